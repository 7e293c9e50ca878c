// Package config loads the pipeline configuration from a YAML file,
// with environment variables (optionally via a .env file) taking
// precedence over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds everything the load and serve commands need.
type Config struct {
	// GTFSDsn is the Postgres DSN of the static timetable database.
	GTFSDsn string `yaml:"gtfs_dsn"`

	// AlertsDsn is the Postgres DSN of the alerts database.
	AlertsDsn string `yaml:"alerts_dsn"`

	// MOTEndpoint is the URL of the realtime service alerts feed.
	MOTEndpoint string `yaml:"mot_endpoint"`

	// PollInterval is how often the loader fetches the feed when
	// running continuously. Zero means fetch once and exit.
	PollInterval Duration `yaml:"poll_interval"`

	WebHost string `yaml:"web_host"`
	WebPort int    `yaml:"web_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MOTEndpoint: "https://gtfs.mot.gov.il/gtfsfiles/servicealerts.aspx",
		WebHost:     "0.0.0.0",
		WebPort:     8080,
	}
}

// Load reads path (when non-empty) over the defaults and then applies
// environment overrides. A .env file in the working directory is read
// first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if v := os.Getenv("GTFS_DSN"); v != "" {
		cfg.GTFSDsn = v
	}
	if v := os.Getenv("ALERTS_DSN"); v != "" {
		cfg.AlertsDsn = v
	}
	if v := os.Getenv("MOT_ENDPOINT"); v != "" {
		cfg.MOTEndpoint = v
	}
	if v := os.Getenv("WEB_HOST"); v != "" {
		cfg.WebHost = v
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL %q: %w", v, err)
		}
		cfg.PollInterval = Duration(parsed)
	}
	if v := os.Getenv("WEB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEB_PORT %q: %w", v, err)
		}
		cfg.WebPort = port
	}

	return cfg, nil
}

// ListenAddr is the host:port the web server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.WebHost, c.WebPort)
}
