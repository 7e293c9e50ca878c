package downloader

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"opentransit.dev/alerts/parse"
)

// FileSource replays archived feed snapshots from disk. A file path
// yields that one file; a directory path yields every regular file in
// it, ordered by filename. Each snapshot's RetrievedAt comes from the
// date encoded in its filename, falling back to the file's mtime.
type FileSource struct {
	paths []string
	next  int
}

func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.IsDir() {
		return &FileSource{paths: []string{path}}, nil
	}

	var paths []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", path, err)
	}

	sort.Strings(paths)
	return &FileSource{paths: paths}, nil
}

func (s *FileSource) Fetch(ctx context.Context) (*Snapshot, error) {
	if s.next >= len(s.paths) {
		return nil, io.EOF
	}

	path := s.paths[s.next]
	s.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	retrievedAt, ok := parse.FilenameDate(filepath.Base(path))
	if !ok {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		retrievedAt = info.ModTime()
	}

	return &Snapshot{
		Data:        data,
		RetrievedAt: retrievedAt,
		Name:        path,
	}, nil
}

// Remaining reports how many snapshots are left to replay.
func (s *FileSource) Remaining() int {
	return len(s.paths) - s.next
}
