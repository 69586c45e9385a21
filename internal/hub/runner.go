package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/kraiz/nusbot/internal/adc"
	"github.com/kraiz/nusbot/internal/metrics"
)

const (
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 5 * time.Minute
	defaultResetAfter   = 1 * time.Minute
	defaultDialTimeout  = 30 * time.Second
)

type RunnerConfig struct {
	Address  string
	Identity Identity

	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ResetAfter is how long a connection must have been up for the backoff
	// to start over from InitialDelay.
	ResetAfter  time.Duration
	DialTimeout time.Duration
}

func (c *RunnerConfig) setDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = defaultResetAfter
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// DialFunc opens the transport to the hub.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Runner keeps a hub session alive, reconnecting with exponential backoff.
// It owns the roster, which outlives individual sessions.
type Runner struct {
	config  RunnerConfig
	handler Handler
	roster  *Roster
	dial    DialFunc

	mu      sync.RWMutex
	session *Session
	since   time.Time
}

func NewRunner(config RunnerConfig, handler Handler) *Runner {
	config.setDefaults()
	d := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: 30 * time.Second}
	return &Runner{
		config:  config,
		handler: handler,
		roster:  NewRoster(),
		dial:    d.DialContext,
	}
}

// SetDialer replaces the transport dialer.
func (r *Runner) SetDialer(dial DialFunc) {
	r.dial = dial
}

// Run connects and reconnects until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	delay := r.config.InitialDelay
	attempt := 0

	for {
		started := time.Now()
		err := r.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(started) >= r.config.ResetAfter {
			delay = r.config.InitialDelay
			attempt = 0
		}
		attempt++

		slog.Warn("hub connection lost, will reconnect", "address", r.config.Address, "error", err, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = nextDelay(delay, r.config.MaxDelay)
	}
}

// nextDelay doubles d up to max and applies ±25% jitter.
func nextDelay(d, max time.Duration) time.Duration {
	d = min(d*2, max)
	jitterFactor := 0.75 + (rand.Float64() * 0.5)
	return time.Duration(float64(d) * jitterFactor)
}

func (r *Runner) connectOnce(ctx context.Context) error {
	slog.Info("hub connecting", "address", r.config.Address)

	conn, err := r.dial(ctx, "tcp", r.config.Address)
	if err != nil {
		metrics.RecordHubConnect(false)
		return fmt.Errorf("dial %s: %w", r.config.Address, err)
	}
	metrics.RecordHubConnect(true)

	session := NewSession(conn, r.config.Identity, r.roster, &runnerHandler{runner: r})

	r.mu.Lock()
	r.session = session
	r.since = time.Now()
	r.mu.Unlock()

	err = session.Run(ctx)

	r.mu.Lock()
	r.session = nil
	r.since = time.Time{}
	r.mu.Unlock()

	return err
}

func (r *Runner) current() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

func (r *Runner) State() State {
	if s := r.current(); s != nil {
		return s.State()
	}
	return StateClosed
}

func (r *Runner) SessionID() string {
	if s := r.current(); s != nil {
		return s.SessionID()
	}
	return ""
}

// ConnectedSince is the time the current session was dialled, zero when
// there is none.
func (r *Runner) ConnectedSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.since
}

func (r *Runner) HubInfo() map[string]string {
	if s := r.current(); s != nil {
		return s.HubInfo()
	}
	return map[string]string{}
}

func (r *Runner) Send(msg *adc.Message) error {
	s := r.current()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(msg)
}

func (r *Runner) Announce(text, targetSID string) error {
	s := r.current()
	if s == nil {
		return ErrNotConnected
	}
	return s.Announce(text, targetSID)
}

func (r *Runner) Users() []UserRecord {
	return r.roster.All()
}

func (r *Runner) UserBySID(sid string) (UserRecord, error) {
	return lookup(r.roster.BySID(sid))
}

func (r *Runner) UserByCID(cid string) (UserRecord, error) {
	return lookup(r.roster.ByCID(cid))
}

func (r *Runner) UserByNick(nick string) (UserRecord, error) {
	return lookup(r.roster.ByNick(nick))
}

func lookup(u UserRecord, ok bool) (UserRecord, error) {
	if !ok {
		return UserRecord{}, ErrUnknownUser
	}
	return u, nil
}

// runnerHandler keeps the connection metrics current before handing events
// to the configured handler.
type runnerHandler struct {
	runner *Runner
}

func (h *runnerHandler) OnConnected(s *Session) {
	metrics.SetHubConnected(true)
	metrics.SetHubUsers(h.runner.roster.Len())
	h.runner.handler.OnConnected(s)
}

func (h *runnerHandler) OnDisconnected(s *Session, err error) {
	metrics.SetHubConnected(false)
	metrics.SetHubUsers(0)
	if errors.Is(err, context.Canceled) {
		slog.Info("hub session closed")
	}
	h.runner.handler.OnDisconnected(s, err)
}

func (h *runnerHandler) OnChat(s *Session, msg ChatMessage) {
	h.runner.handler.OnChat(s, msg)
}

func (h *runnerHandler) OnConnectToMe(s *Session, req ConnectToMe) {
	h.runner.handler.OnConnectToMe(s, req)
}
