package bot

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kraiz/nusbot/internal/controlplane"
	"github.com/kraiz/nusbot/internal/hub"
	"github.com/kraiz/nusbot/internal/version"
)

// The methods below make Bot the control plane's data source.

func (b *Bot) Status(ctx context.Context) (*controlplane.Status, error) {
	stats, err := b.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	now := b.now()
	st := &controlplane.Status{
		Status:    "ok",
		Version:   version.Version,
		Revision:  version.Revision,
		StartedAt: b.started,
		Uptime:    strings.TrimSpace(humanize.RelTime(b.started, now, "", "")),
		Hub: controlplane.HubStatus{
			Address: b.config.Hub.Address,
			State:   b.hub.State().String(),
			SID:     b.hub.SessionID(),
			Name:    b.hub.HubInfo()[hub.FieldNick],
			Users:   len(b.hub.Users()),
		},
		Fetch: controlplane.FetchStatus{
			Mode:             b.config.ConnectMode,
			Pending:          b.fetcher.Pending(),
			Running:          b.fetcher.Running(),
			SchedulerRunning: b.scheduler.Running(),
		},
		Storage: controlplane.StorageStatus{
			Snapshots: stats.Snapshots,
			Changes:   stats.Changes,
		},
	}
	if since := b.hub.ConnectedSince(); !since.IsZero() {
		st.Hub.ConnectedSince = &since
	}
	if !stats.LastChange.IsZero() {
		st.Storage.LastChange = &stats.LastChange
	}
	return st, nil
}

func (b *Bot) Users(ctx context.Context) []controlplane.User {
	records := b.hub.Users()
	users := make([]controlplane.User, 0, len(records))

	for _, r := range records {
		u := controlplane.User{
			SID:     r.SID,
			CID:     r.CID,
			Nick:    r.Nick,
			Address: r.Address,
		}
		if r.Features != nil {
			u.Features = r.Features.ToSlice()
			sort.Strings(u.Features)
		}
		if r.CID != "" {
			u.Pending = b.fetcher.IsPending(r.CID)
			last, ok, err := b.store.LastFetched(ctx, r.CID)
			if err != nil {
				slog.Warn("failed to look up last fetch", "cid", r.CID, "error", err)
			} else if ok {
				u.LastFetched = &last
			}
		}
		users = append(users, u)
	}

	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Nick) < strings.ToLower(users[j].Nick)
	})
	return users
}

func (b *Bot) Changes(ctx context.Context, since time.Time) ([]controlplane.Change, error) {
	changes, err := b.store.ChangesSince(ctx, since)
	if err != nil {
		return nil, err
	}

	out := make([]controlplane.Change, 0, len(changes))
	for _, c := range changes {
		out = append(out, controlplane.Change{
			ID:        c.ID,
			CID:       c.CID,
			Nick:      c.Nick,
			Timestamp: c.Timestamp,
			Removed:   c.Removed,
			Added:     c.Added,
		})
	}
	return out, nil
}
