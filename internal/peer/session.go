// Package peer downloads a filelist over a client-to-client ADC connection.
package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/kraiz/nusbot/internal/adc"
)

var (
	ErrProtocolViolation = errors.New("peer: protocol violation")
	ErrFetchFailed       = errors.New("peer: fetch failed")
)

// errComplete ends the read loop once the listing was received.
var errComplete = errors.New("peer: complete")

const DefaultMaxListingBytes = 256 << 20

// maxPrealloc caps the buffer reserved up front for an announced listing;
// beyond it the buffer grows as data arrives.
const maxPrealloc = 4 << 20

const (
	compressedKind = "file"
	compressedPath = "files.xml.bz2"
	plainKind      = "list"
	plainPath      = "/"
)

type Role int

const (
	// RoleDialer is the side that opened the connection after a CTM.
	RoleDialer Role = iota
	// RoleAcceptor is the side that listened and accepted it.
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "dialer"
}

type State int32

const (
	StateHandshaking State = iota
	StateAwaitingData
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAwaitingData:
		return "AWAITING_DATA"
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("???(%d)", s)
	}
}

type Config struct {
	Role Role
	// OwnCID is presented in our INF.
	OwnCID string
	// PeerCID is the CID the remote INF must carry.
	PeerCID string
	Token   string
	// Compressed requests files.xml.bz2 when the peer supports BZIP.
	Compressed      bool
	MaxListingBytes int64
}

// Result is a downloaded listing.
type Result struct {
	CID        string
	Listing    []byte
	Compressed bool
	// WireBytes is the announced transfer size.
	WireBytes int64
	Duration  time.Duration
}

// Session is a single filelist download. Run may only be called once.
type Session struct {
	conn   io.ReadWriteCloser
	config Config
	writer *adc.Writer
	framer *adc.Framer

	state atomic.Int32

	peerFeatures mapset.Set[string]
	sawSUP       bool
	sawINF       bool
	sentINF      bool

	reqKind    string
	reqPath    string
	compressed bool
	wireBytes  int64

	plain   bytes.Buffer
	decoder *bzip2Sink
	result  *Result
}

func NewSession(conn io.ReadWriteCloser, config Config) *Session {
	if config.MaxListingBytes <= 0 {
		config.MaxListingBytes = DefaultMaxListingBytes
	}
	s := &Session{
		conn:         conn,
		config:       config,
		writer:       adc.NewWriter(conn, "peer"),
		peerFeatures: mapset.NewThreadUnsafeSet[string](),
	}
	s.framer = adc.NewFramer(s.handleLine)
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the handshake and the transfer. The connection is closed when
// Run returns.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	started := time.Now()

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

	if errors.Is(err, errComplete) {
		s.result.Duration = time.Since(started)
		return s.result, nil
	}

	if s.decoder != nil {
		s.decoder.Abort(err)
		s.decoder = nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, ctxErr)
	}
	if err == nil {
		if s.State() == StateStreaming {
			return nil, fmt.Errorf("%w: connection closed with %d of %d bytes outstanding", ErrFetchFailed, s.framer.Remaining(), s.wireBytes)
		}
		return nil, fmt.Errorf("%w: connection closed in state %s", ErrFetchFailed, s.State())
	}
	if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrFetchFailed) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
}

func (s *Session) run() error {
	s.setState(StateHandshaking)
	if s.config.Role == RoleDialer {
		if err := s.sendSUP(); err != nil {
			return err
		}
	}
	_, err := io.Copy(s.framer, s.conn)
	return err
}

func (s *Session) sendSUP() error {
	features := []string{"ADBASE", "ADTIGR"}
	if s.config.Compressed {
		features = append(features, "ADBZIP")
	}
	return s.writer.Send(adc.ToClient(adc.CmdSUP, features...))
}

func (s *Session) handleLine(line []byte) error {
	if len(line) == 0 {
		return nil
	}
	slog.Debug("adc RECV", "conn", "peer", "cid", s.config.PeerCID, "line", string(line))

	msg, err := adc.ParseMessage(string(line))
	if errors.Is(err, adc.ErrUnknownCommand) {
		return nil
	}
	if err != nil {
		slog.Warn("peer malformed line", "cid", s.config.PeerCID, "error", err)
		return nil
	}
	if msg.Type != adc.TypeClient {
		return nil
	}

	switch msg.Command {
	case adc.CmdSUP:
		return s.onSUP(msg)
	case adc.CmdINF:
		return s.onINF(msg)
	case adc.CmdSND:
		return s.onSND(msg)
	case adc.CmdSTA:
		st, err := adc.ParseStatus(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if !st.OK() {
			return fmt.Errorf("%w: peer reported %v", ErrFetchFailed, st)
		}
	default:
		slog.Debug("peer ignoring command", "cid", s.config.PeerCID, "cmd", msg.Command)
	}
	return nil
}

func (s *Session) onSUP(msg *adc.Message) error {
	if s.State() != StateHandshaking {
		return fmt.Errorf("%w: SUP after handshake", ErrProtocolViolation)
	}
	add, remove := adc.SupportFeatures(msg)
	for _, f := range add {
		s.peerFeatures.Add(f)
	}
	for _, f := range remove {
		s.peerFeatures.Remove(f)
	}
	s.sawSUP = true

	switch s.config.Role {
	case RoleDialer:
		err := s.writer.Send(adc.ToClient(adc.CmdINF,
			adc.NamedParam("ID", s.config.OwnCID),
			adc.NamedParam("TO", s.config.Token),
		))
		if err != nil {
			return err
		}
	case RoleAcceptor:
		if err := s.sendSUP(); err != nil {
			return err
		}
		if err := s.writer.Send(adc.ToClient(adc.CmdINF, adc.NamedParam("ID", s.config.OwnCID))); err != nil {
			return err
		}
	}
	s.sentINF = true
	return s.maybeRequest()
}

func (s *Session) onINF(msg *adc.Message) error {
	if s.State() != StateHandshaking {
		return nil
	}
	cid, ok := msg.Field("ID")
	if !ok || cid == "" {
		return fmt.Errorf("%w: INF without ID", ErrProtocolViolation)
	}
	if s.config.PeerCID != "" && cid != s.config.PeerCID {
		return fmt.Errorf("%w: expected CID %s, got %s", ErrProtocolViolation, s.config.PeerCID, cid)
	}
	if s.config.Role == RoleAcceptor {
		token, _ := msg.Field("TO")
		if token != s.config.Token {
			return fmt.Errorf("%w: token mismatch", ErrProtocolViolation)
		}
	}
	s.sawINF = true
	return s.maybeRequest()
}

func (s *Session) maybeRequest() error {
	if !s.sawSUP || !s.sawINF || !s.sentINF {
		return nil
	}

	if s.config.Compressed && s.peerFeatures.Contains("BZIP") {
		s.reqKind, s.reqPath, s.compressed = compressedKind, compressedPath, true
		s.setState(StateAwaitingData)
		return s.writer.Send(adc.ToClient(adc.CmdGET, compressedKind, compressedPath, "0", "-1"))
	}
	s.reqKind, s.reqPath, s.compressed = plainKind, plainPath, false
	s.setState(StateAwaitingData)
	return s.writer.Send(adc.ToClient(adc.CmdGET, plainKind, plainPath, "0", "-1", "RE1"))
}

func (s *Session) onSND(msg *adc.Message) error {
	if s.State() != StateAwaitingData {
		return fmt.Errorf("%w: unexpected SND in state %s", ErrProtocolViolation, s.State())
	}
	if len(msg.Params) < 4 {
		return fmt.Errorf("%w: short SND", ErrProtocolViolation)
	}
	kind, path, start, rawLen := msg.Param(0), adc.Unescape(msg.Param(1)), msg.Param(2), msg.Param(3)
	if kind != s.reqKind || path != s.reqPath {
		return fmt.Errorf("%w: SND for %s %s, requested %s %s", ErrProtocolViolation, kind, path, s.reqKind, s.reqPath)
	}
	if start != "0" {
		return fmt.Errorf("%w: SND starts at %s", ErrProtocolViolation, start)
	}
	n, err := strconv.ParseInt(rawLen, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: SND length %q", ErrProtocolViolation, rawLen)
	}
	if n > s.config.MaxListingBytes {
		return fmt.Errorf("%w: listing of %d bytes exceeds limit of %d", ErrProtocolViolation, n, s.config.MaxListingBytes)
	}

	s.wireBytes = n

	var sink io.Writer = &s.plain
	if s.compressed {
		s.decoder = newBzip2Sink(s.config.MaxListingBytes)
		sink = s.decoder
	} else {
		s.plain.Grow(int(min(n, maxPrealloc)))
	}
	s.setState(StateStreaming)
	return s.framer.SetRawMode(n, sink, s.finish)
}

func (s *Session) finish() error {
	listing := s.plain.Bytes()
	if s.decoder != nil {
		data, err := s.decoder.Close()
		s.decoder = nil
		if err != nil {
			return fmt.Errorf("%w: decompress: %w", ErrFetchFailed, err)
		}
		listing = data
	}

	s.result = &Result{
		CID:        s.config.PeerCID,
		Listing:    listing,
		Compressed: s.compressed,
		WireBytes:  s.wireBytes,
	}
	s.setState(StateDone)
	return errComplete
}
