// Package scheduler periodically requests filelists of the users on the hub.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kraiz/nusbot/internal/fetch"
	"github.com/kraiz/nusbot/internal/hub"
	"github.com/kraiz/nusbot/internal/queue"
)

const (
	DefaultInterval = 60 * time.Minute
	DefaultRefresh  = 60 * time.Minute
)

// Users lists who is on the hub right now.
type Users interface {
	Users() []hub.UserRecord
	SessionID() string
}

type Fetcher interface {
	RequestFetch(ctx context.Context, user hub.UserRecord) error
}

// Freshness reports when a user's filelist was last stored.
type Freshness interface {
	LastFetched(ctx context.Context, cid string) (time.Time, bool, error)
}

type Config struct {
	// Interval between scans.
	Interval time.Duration
	// Refresh is the minimum age of a stored filelist before it is fetched
	// again.
	Refresh time.Duration
	OwnCID  string
}

// Scheduler scans the roster on a fixed interval while the hub session is
// connected.
type Scheduler struct {
	config    Config
	users     Users
	fetcher   Fetcher
	freshness Freshness
	now       func() time.Time

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

func New(config Config, users Users, fetcher Fetcher, freshness Freshness) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Refresh < 0 {
		config.Refresh = 0
	}
	return &Scheduler{
		config:    config,
		users:     users,
		fetcher:   fetcher,
		freshness: freshness,
		now:       time.Now,
	}
}

// Start begins scanning, with a first scan right away. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}

	slog.Info("scheduler started", "interval", s.config.Interval, "refresh", s.config.Refresh)

	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stop = cancel
	s.done = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.Tick(scanCtx)
		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				s.Tick(scanCtx)
			}
		}
	}()
}

// Stop ends scanning and waits for an in-flight scan to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
	slog.Info("scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Tick runs one scan and returns the number of fetches it requested. Users
// that were never fetched go first, then the longest unrefreshed.
func (s *Scheduler) Tick(ctx context.Context) int {
	ownSID := s.users.SessionID()
	due := queue.New[hub.UserRecord]()

	for _, user := range s.users.Users() {
		if ctx.Err() != nil {
			return 0
		}
		if user.CID == "" || user.SID == ownSID || user.CID == s.config.OwnCID {
			continue
		}

		last, ok, err := s.freshness.LastFetched(ctx, user.CID)
		if err != nil {
			slog.Error("scheduler failed to look up last fetch", "nick", user.Nick, "cid", user.CID, "error", err)
			continue
		}
		if !ok {
			due.Push(user, math.MinInt64)
			continue
		}
		if s.now().Sub(last) >= s.config.Refresh {
			due.Push(user, last.UnixNano())
		}
	}

	requested := 0
	for _, user := range due.Drain() {
		if ctx.Err() != nil {
			break
		}

		err := s.fetcher.RequestFetch(ctx, user)
		switch {
		case err == nil:
			requested++
		case errors.Is(err, fetch.ErrAlreadyPending):
			slog.Debug("scheduler skipping user with pending fetch", "nick", user.Nick)
		default:
			slog.Warn("scheduler failed to request fetch", "nick", user.Nick, "error", err)
		}
	}

	if requested > 0 {
		slog.Info("scheduler scan", "requested", requested)
	}
	return requested
}
