// Package storage persists the last filelist of every user and the history
// of changes announced for them.
package storage

import (
	"context"
	"time"

	"github.com/kraiz/nusbot/internal/filelist"
)

// Snapshot is the raw listing last fetched from a user.
type Snapshot struct {
	CID       string
	FetchedAt time.Time
	Data      []byte
}

// Change is one announced diff.
type Change struct {
	ID        int64             `json:"id"`
	CID       string            `json:"cid"`
	Nick      string            `json:"nick"`
	Timestamp time.Time         `json:"timestamp"`
	Removed   []filelist.Record `json:"removed"`
	Added     []filelist.Record `json:"added"`
}

// Stats summarises the stored data.
type Stats struct {
	Snapshots  int
	Changes    int
	LastChange time.Time
}

type Storage interface {
	// GetSnapshot returns nil without error when there is none.
	GetSnapshot(ctx context.Context, cid string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, cid string, ts time.Time, data []byte) error
	SaveChange(ctx context.Context, change Change) error
	// ChangesSince returns changes strictly after since, oldest first.
	ChangesSince(ctx context.Context, since time.Time) ([]Change, error)
	LastFetched(ctx context.Context, cid string) (time.Time, bool, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// SnapshotArchive receives a copy of every stored snapshot.
type SnapshotArchive interface {
	Archive(ctx context.Context, cid string, ts time.Time, data []byte) error
}
