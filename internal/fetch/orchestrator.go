// Package fetch arranges peer connections for filelist downloads. It issues
// connection invitations through the hub, correlates the replies by token and
// runs one peer session per user at a time.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kraiz/nusbot/internal/adc"
	"github.com/kraiz/nusbot/internal/hub"
	"github.com/kraiz/nusbot/internal/metrics"
	"github.com/kraiz/nusbot/internal/peer"
	"github.com/kraiz/nusbot/internal/utils"
)

var (
	ErrAlreadyPending = errors.New("fetch: already pending")
	ErrFetchTimeout   = errors.New("fetch: invitation timed out")
	ErrNoContentID    = errors.New("fetch: user has no CID")
)

const (
	protocolADC = "ADC/1.0"
	tokenLength = 16

	defaultInviteTimeout = 2 * time.Minute
	defaultFetchTimeout  = 5 * time.Minute
)

type Mode string

const (
	// ModePassive asks the peer to connect to us via RCM and dials the
	// address it answers with.
	ModePassive Mode = "passive"
	// ModeActive listens on a local port and invites the peer via CTM.
	ModeActive Mode = "active"
)

// Hub is the part of the hub connection the orchestrator talks through.
type Hub interface {
	SessionID() string
	Send(msg *adc.Message) error
}

// ResultFunc receives the outcome of every invitation: a listing, a peer
// failure or an expired invitation.
type ResultFunc func(user hub.UserRecord, result *peer.Result, err error)

type Config struct {
	Mode   Mode
	OwnCID string

	ListenHost string
	PortMin    int
	PortMax    int

	InviteTimeout   time.Duration
	FetchTimeout    time.Duration
	Compressed      bool
	MaxListingBytes int64
}

type pendingFetch struct {
	user     hub.UserRecord
	token    string
	created  time.Time
	timer    *time.Timer
	listener net.Listener
}

type Orchestrator struct {
	config   Config
	hub      Hub
	onResult ResultFunc
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
	listen   func(ctx context.Context, host string, portMin, portMax int) (net.Listener, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingFetch // by CID
	running map[string]struct{}      // CIDs with a live peer session
}

func New(config Config, h Hub, onResult ResultFunc) *Orchestrator {
	if config.Mode == "" {
		config.Mode = ModePassive
	}
	if config.InviteTimeout <= 0 {
		config.InviteTimeout = defaultInviteTimeout
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &net.Dialer{Timeout: 30 * time.Second}
	return &Orchestrator{
		config:   config,
		hub:      h,
		onResult: onResult,
		dial:     d.DialContext,
		listen:   utils.ListenInRange,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingFetch),
		running:  make(map[string]struct{}),
	}
}

// RequestFetch invites user to a client connection for its filelist.
func (o *Orchestrator) RequestFetch(ctx context.Context, user hub.UserRecord) error {
	if user.CID == "" {
		return fmt.Errorf("%w: %s", ErrNoContentID, user)
	}

	token, err := utils.RandBase34(tokenLength)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.busy(user.CID) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyPending, user)
	}
	pf := &pendingFetch{user: user, token: token, created: time.Now()}
	o.pending[user.CID] = pf
	pf.timer = time.AfterFunc(o.config.InviteTimeout, func() { o.expire(pf) })
	o.mu.Unlock()

	var msg *adc.Message
	switch o.config.Mode {
	case ModeActive:
		ln, err := o.listen(ctx, o.config.ListenHost, o.config.PortMin, o.config.PortMax)
		if err != nil {
			o.drop(pf)
			return err
		}
		o.mu.Lock()
		if o.pending[user.CID] != pf {
			// expired or reset while the listener was opened
			o.mu.Unlock()
			ln.Close()
			return fmt.Errorf("%w: %s", ErrFetchTimeout, user)
		}
		pf.listener = ln
		o.mu.Unlock()

		port := strconv.Itoa(utils.ListenerPort(ln))
		msg = adc.Direct(adc.CmdCTM, o.hub.SessionID(), user.SID, protocolADC, port, token)

		o.wg.Add(1)
		go o.acceptOne(pf, ln)

	default:
		msg = adc.Direct(adc.CmdRCM, o.hub.SessionID(), user.SID, protocolADC, token)
	}

	if err := o.hub.Send(msg); err != nil {
		o.drop(pf)
		return fmt.Errorf("send invitation: %w", err)
	}

	slog.Info("fetch invitation sent", "nick", user.Nick, "cid", user.CID, "mode", o.config.Mode)
	metrics.RecordFetchRequest(string(o.config.Mode))
	o.updatePendingGauge()
	return nil
}

// busy must be called with mu held.
func (o *Orchestrator) busy(cid string) bool {
	if _, ok := o.pending[cid]; ok {
		return true
	}
	_, ok := o.running[cid]
	return ok
}

// HandleConnectToMe resolves the pending invitation a CTM answers and dials
// the peer.
func (o *Orchestrator) HandleConnectToMe(req hub.ConnectToMe) {
	o.mu.Lock()
	var pf *pendingFetch
	for _, p := range o.pending {
		if p.token == req.Token {
			pf = p
			break
		}
	}
	if pf == nil || o.config.Mode == ModeActive {
		o.mu.Unlock()
		slog.Debug("fetch ignoring unsolicited CTM", "sid", req.From.SID, "token", req.Token)
		return
	}
	if req.From.CID != "" && req.From.CID != pf.user.CID {
		o.mu.Unlock()
		slog.Warn("fetch CTM token from unexpected user", "sid", req.From.SID, "cid", req.From.CID, "expected", pf.user.CID)
		return
	}
	o.claim(pf)
	o.mu.Unlock()
	o.updatePendingGauge()

	user := pf.user
	if req.From.Address != "" {
		user.Address = req.From.Address
	}

	if req.Protocol != protocolADC {
		o.finish(pf, nil, fmt.Errorf("%w: unsupported protocol %q", peer.ErrProtocolViolation, req.Protocol))
		return
	}
	if user.Address == "" {
		o.finish(pf, nil, fmt.Errorf("%w: no IPv4 address for %s", peer.ErrFetchFailed, user))
		return
	}
	addr := net.JoinHostPort(user.Address, req.Port)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(o.ctx, o.config.FetchTimeout)
		defer cancel()

		conn, err := o.dial(ctx, "tcp", addr)
		if err != nil {
			o.finish(pf, nil, fmt.Errorf("%w: dial %s: %w", peer.ErrFetchFailed, addr, err))
			return
		}
		slog.Debug("fetch connected to peer", "nick", user.Nick, "addr", addr, "waited", time.Since(pf.created))
		res, err := peer.NewSession(conn, o.peerConfig(peer.RoleDialer, pf)).Run(ctx)
		o.finish(pf, res, err)
	}()
}

func (o *Orchestrator) acceptOne(pf *pendingFetch, ln net.Listener) {
	defer o.wg.Done()

	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		// closed by expiry, Reset or Close
		return
	}

	o.mu.Lock()
	if o.pending[pf.user.CID] != pf {
		o.mu.Unlock()
		conn.Close()
		return
	}
	o.claim(pf)
	o.mu.Unlock()
	o.updatePendingGauge()

	slog.Debug("fetch accepted peer connection", "nick", pf.user.Nick, "remote", conn.RemoteAddr(), "waited", time.Since(pf.created))

	ctx, cancel := context.WithTimeout(o.ctx, o.config.FetchTimeout)
	defer cancel()
	res, err := peer.NewSession(conn, o.peerConfig(peer.RoleAcceptor, pf)).Run(ctx)
	o.finish(pf, res, err)
}

// claim moves pf from pending to running. Must be called with mu held.
func (o *Orchestrator) claim(pf *pendingFetch) {
	pf.timer.Stop()
	delete(o.pending, pf.user.CID)
	o.running[pf.user.CID] = struct{}{}
}

func (o *Orchestrator) peerConfig(role peer.Role, pf *pendingFetch) peer.Config {
	return peer.Config{
		Role:            role,
		OwnCID:          o.config.OwnCID,
		PeerCID:         pf.user.CID,
		Token:           pf.token,
		Compressed:      o.config.Compressed,
		MaxListingBytes: o.config.MaxListingBytes,
	}
}

func (o *Orchestrator) finish(pf *pendingFetch, res *peer.Result, err error) {
	o.mu.Lock()
	delete(o.running, pf.user.CID)
	o.mu.Unlock()

	if err != nil {
		slog.Warn("fetch failed", "nick", pf.user.Nick, "cid", pf.user.CID, "error", err)
		metrics.RecordFetchResult("error", 0, 0)
	} else {
		slog.Info("fetch complete", "nick", pf.user.Nick, "cid", pf.user.CID, "bytes", res.WireBytes, "compressed", res.Compressed, "duration", res.Duration)
		metrics.RecordFetchResult("success", res.WireBytes, res.Duration)
	}

	if o.onResult != nil {
		o.onResult(pf.user, res, err)
	}
}

func (o *Orchestrator) expire(pf *pendingFetch) {
	o.mu.Lock()
	if o.pending[pf.user.CID] != pf {
		o.mu.Unlock()
		return
	}
	delete(o.pending, pf.user.CID)
	if pf.listener != nil {
		pf.listener.Close()
	}
	o.mu.Unlock()
	o.updatePendingGauge()

	err := fmt.Errorf("%w: %s after %s", ErrFetchTimeout, pf.user, o.config.InviteTimeout)
	slog.Warn("fetch invitation expired", "nick", pf.user.Nick, "cid", pf.user.CID, "error", err)
	metrics.RecordFetchResult("timeout", 0, 0)

	if o.onResult != nil {
		o.onResult(pf.user, nil, err)
	}
}

// drop forgets an invitation that could not be sent.
func (o *Orchestrator) drop(pf *pendingFetch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[pf.user.CID] != pf {
		return
	}
	pf.timer.Stop()
	if pf.listener != nil {
		pf.listener.Close()
	}
	delete(o.pending, pf.user.CID)
}

// Reset drops every outstanding invitation. Running sessions are left alone.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	for cid, pf := range o.pending {
		pf.timer.Stop()
		if pf.listener != nil {
			pf.listener.Close()
		}
		delete(o.pending, cid)
	}
	o.mu.Unlock()
	o.updatePendingGauge()
}

// Close cancels running sessions and waits for them to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.Reset()
	o.wg.Wait()
}

// Pending is the number of outstanding invitations.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Running is the number of live peer sessions.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// IsPending reports whether cid has an invitation or a session in flight.
func (o *Orchestrator) IsPending(cid string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy(cid)
}

func (o *Orchestrator) updatePendingGauge() {
	metrics.SetFetchPending(o.Pending())
}
