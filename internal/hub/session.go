// Package hub implements the client side of an ADC hub connection.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kraiz/nusbot/internal/adc"
	"github.com/kraiz/nusbot/internal/metrics"
)

var (
	ErrNotConnected = errors.New("hub: not connected")
	ErrUnknownUser  = errors.New("hub: unknown user")
	ErrConnClosed   = errors.New("hub: connection closed")
)

type State int32

const (
	StateConnecting State = iota
	StateAwaitingSessionID
	StateIdentifying
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAwaitingSessionID:
		return "AWAITING_SID"
	case StateIdentifying:
		return "IDENTIFYING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("???(%d)", s)
	}
}

// ChatMessage is a chat line from another user.
type ChatMessage struct {
	From    UserRecord
	Text    string
	Private bool
}

// ConnectToMe is a peer's invitation to connect to it.
type ConnectToMe struct {
	From     UserRecord
	Protocol string
	Port     string
	Token    string
}

// Handler receives session events. Calls are made from the session's read
// loop, so they must not block for long.
type Handler interface {
	OnConnected(s *Session)
	OnDisconnected(s *Session, err error)
	OnChat(s *Session, msg ChatMessage)
	OnConnectToMe(s *Session, req ConnectToMe)
}

// Session is one hub connection, from the SUP handshake until the transport
// goes away. It is not reused across reconnects.
type Session struct {
	conn     io.ReadWriteCloser
	writer   *adc.Writer
	identity Identity
	roster   *Roster
	handler  Handler

	state atomic.Int32

	mu      sync.RWMutex
	sid     string
	hubInfo map[string]string
}

func NewSession(conn io.ReadWriteCloser, identity Identity, roster *Roster, handler Handler) *Session {
	return &Session{
		conn:     conn,
		writer:   adc.NewWriter(conn, "hub"),
		identity: identity,
		roster:   roster,
		handler:  handler,
		hubInfo:  make(map[string]string),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		slog.Debug("hub state", "from", old, "to", st)
	}
}

func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sid
}

func (s *Session) HubInfo() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.hubInfo))
	for k, v := range s.hubInfo {
		out[k] = v
	}
	return out
}

// Run performs the handshake and dispatches incoming lines until the
// transport fails or ctx is cancelled. It always returns a non-nil error.
func (s *Session) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-stop:
		}
	}()

	err := s.run()
	s.conn.Close()
	s.setState(StateClosed)
	s.roster.Clear()

	if ctx.Err() != nil {
		err = ctx.Err()
	}
	s.handler.OnDisconnected(s, err)
	return err
}

func (s *Session) run() error {
	s.setState(StateConnecting)
	if err := s.writer.Send(adc.ToHub(adc.CmdSUP, "ADBASE", "ADTIGR")); err != nil {
		return fmt.Errorf("send SUP: %w", err)
	}
	s.setState(StateAwaitingSessionID)

	framer := adc.NewFramer(s.handleLine, adc.WithOverlongHandler(func(n int) {
		slog.Warn("hub line too long, dropped", "bytes", n, "max", adc.DefaultMaxLineLength)
	}))
	if _, err := io.Copy(framer, s.conn); err != nil {
		return err
	}
	return ErrConnClosed
}

func (s *Session) handleLine(line []byte) error {
	if len(line) == 0 {
		// keepalive
		return nil
	}
	slog.Debug("adc RECV", "conn", "hub", "line", string(line))

	msg, err := adc.ParseMessage(string(line))
	if errors.Is(err, adc.ErrUnknownCommand) {
		slog.Debug("hub ignoring unknown command", "line", string(line))
		return nil
	}
	if err != nil {
		slog.Warn("hub malformed line", "error", err)
		return nil
	}

	if msg.Command == adc.CmdSTA {
		s.logStatus(msg)
	}

	switch s.State() {
	case StateAwaitingSessionID:
		return s.awaitSessionID(msg)
	case StateIdentifying:
		return s.identify(msg)
	case StateConnected:
		s.dispatch(msg)
	}
	return nil
}

func (s *Session) awaitSessionID(msg *adc.Message) error {
	if msg.Type != adc.TypeInfo || msg.Command != adc.CmdSID {
		slog.Debug("hub ignoring message before SID", "cmd", msg.Command)
		return nil
	}
	sid := msg.Param(0)
	if !adc.IsSID(sid) {
		slog.Warn("hub sent invalid session id", "sid", sid)
		return nil
	}

	s.mu.Lock()
	s.sid = sid
	s.mu.Unlock()

	slog.Info("hub assigned session id", "sid", sid)
	s.setState(StateIdentifying)
	return nil
}

func (s *Session) identify(msg *adc.Message) error {
	if msg.Type != adc.TypeInfo {
		return nil
	}
	switch msg.Command {
	case adc.CmdINF:
		s.updateHubInfo(msg)
	case adc.CmdSTA:
	default:
		return nil
	}

	if err := s.writer.Send(adc.Broadcast(adc.CmdINF, s.SessionID(), s.identity.infParams()...)); err != nil {
		return fmt.Errorf("send INF: %w", err)
	}
	s.setState(StateConnected)
	slog.Info("hub connected", "sid", s.SessionID(), "nick", s.identity.Nick)
	s.handler.OnConnected(s)
	return nil
}

func (s *Session) dispatch(msg *adc.Message) {
	switch msg.Command {
	case adc.CmdINF:
		switch msg.Type {
		case adc.TypeInfo:
			s.updateHubInfo(msg)
		case adc.TypeBroadcast:
			user := s.roster.Apply(msg.Source, msg.Fields(0))
			metrics.SetHubUsers(s.roster.Len())
			slog.Debug("hub user update", "sid", user.SID, "nick", user.Nick, "cid", user.CID)
		}

	case adc.CmdQUI:
		sid := msg.Param(0)
		if user, ok := s.roster.Remove(sid); ok {
			metrics.SetHubUsers(s.roster.Len())
			slog.Info("hub user left", "sid", sid, "nick", user.Nick)
		}

	case adc.CmdMSG:
		s.chat(msg)

	case adc.CmdCTM:
		if msg.Type != adc.TypeDirect || msg.Target != s.SessionID() {
			return
		}
		from, ok := s.roster.BySID(msg.Source)
		if !ok {
			from = UserRecord{SID: msg.Source}
		}
		s.handler.OnConnectToMe(s, ConnectToMe{
			From:     from,
			Protocol: msg.Param(0),
			Port:     msg.Param(1),
			Token:    msg.Param(2),
		})

	case adc.CmdRCM:
		// we never serve files
		slog.Debug("hub ignoring RCM", "from", msg.Source)

	case adc.CmdSTA:

	default:
		slog.Debug("hub ignoring command", "type", msg.Type, "cmd", msg.Command)
	}
}

func (s *Session) chat(msg *adc.Message) {
	var private bool
	switch msg.Type {
	case adc.TypeBroadcast:
	case adc.TypeDirect, adc.TypeEcho:
		_, private = msg.Field("PM")
	default:
		return
	}
	if msg.Source == s.SessionID() {
		return
	}

	from, ok := s.roster.BySID(msg.Source)
	if !ok {
		slog.Debug("hub chat from unknown sid", "sid", msg.Source)
		return
	}
	s.handler.OnChat(s, ChatMessage{From: from, Text: msg.Text(0), Private: private})
}

func (s *Session) updateHubInfo(msg *adc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range msg.Fields(0) {
		if v == "" {
			delete(s.hubInfo, k)
			continue
		}
		s.hubInfo[k] = v
	}
}

func (s *Session) logStatus(msg *adc.Message) {
	st, err := adc.ParseStatus(msg)
	if err != nil {
		slog.Warn("hub malformed status", "error", err)
		return
	}
	if st.OK() {
		slog.Info("hub status", "message", st.Description)
		return
	}
	slog.Warn("hub status", "severity", st.Severity, "code", st.Code, "message", st.Description)
}

// Send writes a raw message on the hub connection.
func (s *Session) Send(msg *adc.Message) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	return s.writer.Send(msg)
}

// Announce posts text to main chat, or privately to targetSID when set. Each
// non-empty line of text becomes its own message.
func (s *Session) Announce(text, targetSID string) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	sid := s.SessionID()
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		var msg *adc.Message
		if targetSID == "" {
			msg = adc.Broadcast(adc.CmdMSG, sid, adc.Escape(line))
		} else {
			msg = adc.Direct(adc.CmdMSG, sid, targetSID, adc.Escape(line), "PM"+sid)
		}
		if err := s.writer.Send(msg); err != nil {
			return err
		}
	}
	return nil
}
