// Package bot wires the hub session, the filelist fetcher, the scheduler and
// the change store into the running bot, and answers chat commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kraiz/nusbot/internal/config"
	"github.com/kraiz/nusbot/internal/controlplane"
	"github.com/kraiz/nusbot/internal/fetch"
	"github.com/kraiz/nusbot/internal/filelist"
	"github.com/kraiz/nusbot/internal/hub"
	"github.com/kraiz/nusbot/internal/scheduler"
	"github.com/kraiz/nusbot/internal/storage"
	"github.com/kraiz/nusbot/internal/version"
)

// treeCacheSize bounds the number of parsed listings kept between fetches.
const treeCacheSize = 64

// hubClient is the part of hub.Runner the bot uses.
type hubClient interface {
	Run(ctx context.Context) error
	State() hub.State
	SessionID() string
	ConnectedSince() time.Time
	HubInfo() map[string]string
	Announce(text, targetSID string) error
	Users() []hub.UserRecord
	UserByCID(cid string) (hub.UserRecord, error)
	UserByNick(nick string) (hub.UserRecord, error)
}

// fetcher is the part of fetch.Orchestrator the bot uses.
type fetcher interface {
	RequestFetch(ctx context.Context, user hub.UserRecord) error
	HandleConnectToMe(req hub.ConnectToMe)
	Reset()
	Close()
	Pending() int
	Running() int
	IsPending(cid string) bool
}

type scanner interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

type Bot struct {
	config    *config.Config
	store     storage.Storage
	hub       hubClient
	fetcher   fetcher
	scheduler scanner
	control   *controlplane.Server
	commands  *Commands
	trees     *lru.Cache[string, *filelist.Directory]
	now       func() time.Time

	// ctx is the lifetime of Run, handed to work started from hub events.
	ctx     context.Context
	started time.Time
	wg      sync.WaitGroup
}

// New builds a bot from a validated configuration. The store stays owned by
// the caller.
func New(cfg *config.Config, store storage.Storage) (*Bot, error) {
	trees, err := lru.New[string, *filelist.Directory](treeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("tree cache: %w", err)
	}

	b := &Bot{
		config: cfg,
		store:  store,
		trees:  trees,
		now:    time.Now,
		ctx:    context.Background(),
	}

	runner := hub.NewRunner(hub.RunnerConfig{
		Address: cfg.Hub.Address,
		Identity: hub.Identity{
			Nick:        cfg.Identity.Nick,
			CID:         cfg.Identity.CID,
			PID:         cfg.Identity.PID,
			Description: cfg.Identity.Description,
			Version:     version.ClientVersion(),
			Active:      cfg.ConnectMode == config.ModeActive,
		},
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		ResetAfter:   cfg.Reconnect.ResetAfter,
	}, b)

	orchestrator := fetch.New(fetch.Config{
		Mode:            fetch.Mode(cfg.ConnectMode),
		OwnCID:          cfg.Identity.CID,
		ListenHost:      cfg.Listen.Host,
		PortMin:         cfg.Listen.PortMin,
		PortMax:         cfg.Listen.PortMax,
		InviteTimeout:   cfg.Fetch.InviteTimeout,
		FetchTimeout:    cfg.Fetch.Timeout,
		Compressed:      cfg.Fetch.Compressed,
		MaxListingBytes: cfg.Fetch.MaxListingBytes,
	}, runner, b.handleResult)

	b.hub = runner
	b.fetcher = orchestrator
	b.scheduler = scheduler.New(scheduler.Config{
		Interval: cfg.ScanInterval,
		Refresh:  cfg.RefreshInterval,
		OwnCID:   cfg.Identity.CID,
	}, runner, orchestrator, store)
	b.commands = NewCommands(b)
	b.control = controlplane.New(controlplane.Config{
		Addr:  cfg.HTTPAddr,
		Token: cfg.HTTPToken,
	}, b)

	return b, nil
}

// Run connects to the hub and serves the control plane until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.ctx = ctx
	b.started = b.now()

	slog.Info("bot started", "hub", b.config.Hub.Address, "nick", b.config.Identity.Nick, "mode", b.config.ConnectMode, "interval", b.config.ScanInterval)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return b.hub.Run(egCtx)
	})
	eg.Go(func() error {
		if err := b.control.Start(egCtx); err != nil {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	})

	err := eg.Wait()
	b.shutdown()
	return err
}

func (b *Bot) shutdown() {
	b.scheduler.Stop()
	b.fetcher.Close()
	b.wg.Wait()
	slog.Info("bot stopped", "uptime", b.now().Sub(b.started).Round(time.Second))
}

// RequestFetch looks the user up by CID and asks for its filelist.
func (b *Bot) RequestFetch(ctx context.Context, cid string) error {
	if b.hub.State() != hub.StateConnected {
		return hub.ErrNotConnected
	}
	user, err := b.hub.UserByCID(cid)
	if err != nil {
		return fmt.Errorf("%w: %s", err, cid)
	}
	return b.fetcher.RequestFetch(ctx, user)
}

func (b *Bot) OnConnected(_ *hub.Session) {
	slog.Info("hub session ready", "sid", b.hub.SessionID(), "users", len(b.hub.Users()))
	b.scheduler.Start(b.ctx)
}

func (b *Bot) OnDisconnected(_ *hub.Session, err error) {
	b.scheduler.Stop()
	// invitations went out through the old session and will never be answered
	b.fetcher.Reset()
	if err != nil {
		slog.Debug("hub session ended", "error", err)
	}
}

func (b *Bot) OnChat(_ *hub.Session, msg hub.ChatMessage) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.commands.Handle(b.ctx, msg)
	}()
}

func (b *Bot) OnConnectToMe(_ *hub.Session, req hub.ConnectToMe) {
	b.fetcher.HandleConnectToMe(req)
}
