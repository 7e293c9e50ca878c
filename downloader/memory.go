package downloader

import (
	"context"
	"io"
	"time"
)

// StaticSource serves queued snapshots from memory, for tests.
type StaticSource struct {
	snapshots []*Snapshot
}

func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

// Add queues one snapshot.
func (s *StaticSource) Add(data []byte, retrievedAt time.Time) {
	s.snapshots = append(s.snapshots, &Snapshot{
		Data:        data,
		RetrievedAt: retrievedAt,
		Name:        "static",
	})
}

func (s *StaticSource) Fetch(ctx context.Context) (*Snapshot, error) {
	if len(s.snapshots) == 0 {
		return nil, io.EOF
	}
	snap := s.snapshots[0]
	s.snapshots = s.snapshots[1:]
	return snap, nil
}
