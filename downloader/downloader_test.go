package downloader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opentransit.dev/alerts/model"
)

func TestHTTPSourceFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer ts.Close()

	src := NewHTTPSource(ts.URL)
	src.TimeNow = func() time.Time {
		return time.Date(2024, time.June, 10, 12, 0, 0, 0, model.Jerusalem)
	}

	snap, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), snap.Data)
	assert.Equal(t, src.TimeNow(), snap.RetrievedAt)
}

func TestHTTPSourceBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewHTTPSource(ts.URL).Fetch(context.Background())
	assert.Error(t, err)
}

func TestHTTPSourceSizeCap(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer ts.Close()

	src := NewHTTPSource(ts.URL)
	src.MaxSize = 16

	snap, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Data, 16)
}

func TestFileSourceDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "alerts_2024-06-11_08-00-00.bin"), []byte("second"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "alerts_2024-06-10_08-00-00.bin"), []byte("first"), 0o644))

	src, err := NewFileSource(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Remaining())

	snap, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), snap.Data)
	assert.Equal(t,
		time.Date(2024, time.June, 10, 8, 0, 0, 0, model.Jerusalem),
		snap.RetrievedAt)

	snap, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), snap.Data)

	_, err = src.Fetch(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileSourceSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	src, err := NewFileSource(path)
	require.NoError(t, err)

	snap, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), snap.Data)
	// No date in the filename, so the mtime stands in.
	assert.False(t, snap.RetrievedAt.IsZero())

	_, err = src.Fetch(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestStaticSource(t *testing.T) {
	at := time.Date(2024, time.June, 10, 8, 0, 0, 0, model.Jerusalem)

	src := NewStaticSource()
	src.Add([]byte("one"), at)
	src.Add([]byte("two"), at.Add(time.Minute))

	snap, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), snap.Data)
	assert.Equal(t, at, snap.RetrievedAt)

	snap, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), snap.Data)

	_, err = src.Fetch(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
