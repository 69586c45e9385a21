package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/kraiz/nusbot/internal/fetch"
	"github.com/kraiz/nusbot/internal/hub"
	"github.com/kraiz/nusbot/internal/metrics"
)

const (
	defaultShowDays = 7
	// maxShowLines keeps a long history from flooding the chat.
	maxShowLines = 200
)

// commandRate bounds the commands one user can run.
var commandRate = limiter.Rate{
	Period: time.Minute,
	Limit:  6,
}

// Commands answers chat lines addressed to the bot.
type Commands struct {
	bot     *Bot
	limiter *limiter.Limiter
}

func NewCommands(b *Bot) *Commands {
	return &Commands{
		bot:     b,
		limiter: limiter.New(memory.NewStore(), commandRate),
	}
}

// Handle runs the command in msg, if any, and reports whether it was one.
func (c *Commands) Handle(ctx context.Context, msg hub.ChatMessage) bool {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return false
	}

	reply := func(text string) {
		target := ""
		if msg.Private {
			target = msg.From.SID
		}
		if err := c.bot.hub.Announce(text, target); err != nil {
			slog.Warn("failed to reply to chat command", "nick", msg.From.Nick, "error", err)
		}
	}

	nick := c.bot.config.Identity.Nick
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "$help", "$uptime", "$news", strings.ToLower(nick):
	default:
		return false
	}

	if c.limited(ctx, msg.From) {
		slog.Debug("chat command rate limited", "from", msg.From.Nick)
		return true
	}

	switch name {
	case "$help":
		reply(fmt.Sprintf("Available commands: $help, $uptime, $news [days], %s [scan [nick] | show [days]]", nick))
	case "$uptime":
		reply(fmt.Sprintf("Running since %s (%s)", c.bot.started.Format(time.DateTime), humanize.Time(c.bot.started)))
	case "$news":
		c.show(ctx, reply, args)
	case strings.ToLower(nick):
		if len(args) == 0 {
			reply(c.usage())
			break
		}
		switch strings.ToLower(args[0]) {
		case "scan":
			name = "scan"
			c.scan(ctx, reply, msg.From, args[1:])
		case "show":
			name = "show"
			c.show(ctx, reply, args[1:])
		default:
			reply(fmt.Sprintf("Unknown command: %s", args[0]))
		}
	}

	slog.Debug("chat command", "command", name, "from", msg.From.Nick, "private", msg.Private)
	metrics.RecordChatCommand(name)
	return true
}

// limited reports whether from used up its command budget. Users are keyed
// by CID so a rename does not reset it.
func (c *Commands) limited(ctx context.Context, from hub.UserRecord) bool {
	key := from.CID
	if key == "" {
		key = strings.ToLower(from.Nick)
	}
	lctx, err := c.limiter.Get(ctx, key)
	if err != nil {
		slog.Warn("chat rate limiter failed", "error", err)
		return false
	}
	return lctx.Reached
}

func (c *Commands) usage() string {
	nick := c.bot.config.Identity.Nick
	return strings.Join([]string{
		fmt.Sprintf("Usage: %s <command>", nick),
		"Commands:",
		"  scan <nick>      scan a user's filelist, default: yourself",
		fmt.Sprintf("  show <since>     show changes since (in days), default: %d", defaultShowDays),
	}, "\n")
}

func (c *Commands) scan(ctx context.Context, reply func(string), from hub.UserRecord, args []string) {
	target := from
	if len(args) > 0 {
		user, err := c.bot.hub.UserByNick(args[0])
		if err != nil {
			reply(fmt.Sprintf("Unknown user: %s", args[0]))
			return
		}
		target = user
	}

	err := c.bot.fetcher.RequestFetch(ctx, target)
	switch {
	case err == nil:
		reply(fmt.Sprintf("Scanning %s (not announcing empty changes)...", target.Nick))
	case errors.Is(err, fetch.ErrAlreadyPending):
		reply(fmt.Sprintf("Already scanning %s, hang on.", target.Nick))
	case errors.Is(err, fetch.ErrNoContentID):
		reply(fmt.Sprintf("Cannot scan %s: no client ID.", target.Nick))
	default:
		slog.Warn("scan request failed", "nick", target.Nick, "error", err)
		reply(fmt.Sprintf("Cannot scan %s right now.", target.Nick))
	}
}

// show lists the stored changes since midnight the given number of days ago.
func (c *Commands) show(ctx context.Context, reply func(string), args []string) {
	days := defaultShowDays
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n >= 0 {
			days = n
		}
	}

	now := c.bot.now()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -days)

	changes, err := c.bot.store.ChangesSince(ctx, since)
	if err != nil {
		slog.Error("failed to load changes", "since", since, "error", err)
		reply("Could not load changes, see the bot's log.")
		return
	}

	lines := []string{fmt.Sprintf("Changes since %s:", since.Format(time.DateOnly))}
	var body []string
	for _, change := range changes {
		nick := change.Nick
		if user, err := c.bot.hub.UserByCID(change.CID); err == nil {
			nick = user.Nick
		}
		date := change.Timestamp.In(now.Location()).Format(time.DateOnly)
		body = append(body, ChangeLines(nick, change, date, c.bot.config.MagnetLinks)...)
	}

	switch {
	case len(body) == 0:
		lines = append(lines, "Nothing changed.")
	case len(body) > maxShowLines:
		lines = append(lines, body[:maxShowLines]...)
		lines = append(lines, fmt.Sprintf("... and %d more", len(body)-maxShowLines))
	default:
		lines = append(lines, body...)
	}

	reply(strings.Join(lines, "\n"))
}
