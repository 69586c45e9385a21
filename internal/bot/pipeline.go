package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kraiz/nusbot/internal/fetch"
	"github.com/kraiz/nusbot/internal/filelist"
	"github.com/kraiz/nusbot/internal/hub"
	"github.com/kraiz/nusbot/internal/metrics"
	"github.com/kraiz/nusbot/internal/peer"
	"github.com/kraiz/nusbot/internal/storage"
)

const pipelineTimeout = time.Minute

// handleResult is called by the fetcher for every finished invitation. A
// listing replaces the stored snapshot; when there was one before, the
// difference is announced on the hub and kept as a change.
func (b *Bot) handleResult(user hub.UserRecord, result *peer.Result, err error) {
	if err != nil {
		if errors.Is(err, fetch.ErrFetchTimeout) {
			slog.Info("filelist not delivered in time", "nick", user.Nick, "cid", user.CID)
		} else {
			slog.Warn("filelist fetch failed", "nick", user.Nick, "cid", user.CID, "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, pipelineTimeout)
	defer cancel()

	if err := b.process(ctx, user, result); err != nil {
		slog.Error("filelist processing failed", "nick", user.Nick, "cid", user.CID, "error", err)
	}
}

func (b *Bot) process(ctx context.Context, user hub.UserRecord, result *peer.Result) error {
	cid := result.CID
	if cid == "" {
		cid = user.CID
	}

	newTree, err := filelist.Parse(result.Listing)
	if err != nil {
		// keep the previous snapshot so the next good listing diffs against it
		return fmt.Errorf("parse listing: %w", err)
	}

	old, err := b.store.GetSnapshot(ctx, cid)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	fetchedAt := b.now()
	if err := b.store.SaveSnapshot(ctx, cid, fetchedAt, result.Listing); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if old == nil {
		b.trees.Add(cid, newTree)
		slog.Info("first filelist stored", "nick", user.Nick, "cid", cid, "bytes", len(result.Listing))
		return nil
	}

	oldTree, ok := b.trees.Get(cid)
	if !ok {
		oldTree, err = filelist.Parse(old.Data)
		if err != nil {
			b.trees.Add(cid, newTree)
			slog.Warn("stored filelist unreadable, skipping diff", "nick", user.Nick, "cid", cid, "error", err)
			return nil
		}
	}

	diff := filelist.Compute(oldTree, newTree)
	b.trees.Add(cid, newTree)
	metrics.RecordDiff(len(diff.Removed), len(diff.Added))

	if diff.Empty() {
		slog.Debug("filelist unchanged", "nick", user.Nick, "cid", cid)
		return nil
	}

	change := storage.Change{
		CID:       cid,
		Nick:      user.Nick,
		Timestamp: fetchedAt,
		Removed:   filelist.Records(diff.Removed),
		Added:     filelist.Records(diff.Added),
	}

	slog.Info("filelist changed", "nick", user.Nick, "cid", cid, "removed", len(change.Removed), "added", len(change.Added))

	lines := ChangeLines(user.Nick, change, "", b.config.MagnetLinks)
	if err := b.hub.Announce(strings.Join(lines, "\n"), ""); err != nil {
		slog.Warn("failed to announce change", "nick", user.Nick, "error", err)
	}

	if err := b.store.SaveChange(ctx, change); err != nil {
		return fmt.Errorf("save change: %w", err)
	}
	return nil
}

// ChangeLines renders one line per entry, deletions first. A non-empty date
// is put after the verb.
func ChangeLines(nick string, change storage.Change, date string, withMagnet bool) []string {
	deleted, added := "Deleted", "Added"
	if date != "" {
		deleted += " " + date
		added += " " + date
	}

	lines := make([]string, 0, len(change.Removed)+len(change.Added))
	for _, r := range change.Removed {
		lines = append(lines, fmt.Sprintf("%s: <%s>%s", deleted, nick, r.Format(withMagnet)))
	}
	for _, r := range change.Added {
		lines = append(lines, fmt.Sprintf("%s: <%s>%s", added, nick, r.Format(withMagnet)))
	}
	return lines
}
