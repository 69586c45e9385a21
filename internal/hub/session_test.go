package hub

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentity = Identity{
	Nick:        "nusbot",
	CID:         "SXX4RUEEB263P3EX7VAGSMHGO4XVDBTQOJZNONI",
	PID:         "4MH2IBPDTOP34ELXWSXRY35CSTHDR3PCOMWZPMI",
	Description: "I'm a bot",
	Version:     "nusbot 1.0",
}

type recordingHandler struct {
	mu           sync.Mutex
	connected    int
	disconnected []error
	chats        []ChatMessage
	ctms         []ConnectToMe
}

func (h *recordingHandler) OnConnected(*Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
}

func (h *recordingHandler) OnDisconnected(_ *Session, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, err)
}

func (h *recordingHandler) OnChat(_ *Session, msg ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats = append(h.chats, msg)
}

func (h *recordingHandler) OnConnectToMe(_ *Session, req ConnectToMe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctms = append(h.ctms, req)
}

func (h *recordingHandler) snapshot() recordingHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return recordingHandler{
		connected:    h.connected,
		disconnected: append([]error(nil), h.disconnected...),
		chats:        append([]ChatMessage(nil), h.chats...),
		ctms:         append([]ConnectToMe(nil), h.ctms...),
	}
}

type fakeHub struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newFakeHub(t *testing.T, conn net.Conn) *fakeHub {
	return &fakeHub{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (h *fakeHub) readLine() string {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := h.r.ReadString('\n')
	require.NoError(h.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (h *fakeHub) send(line string) {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := h.conn.Write([]byte(line + "\n"))
	require.NoError(h.t, err)
}

type sessionFixture struct {
	session *Session
	roster  *Roster
	handler *recordingHandler
	hub     *fakeHub
	cancel  context.CancelFunc
	done    chan error
}

func startSession(t *testing.T, identity Identity) *sessionFixture {
	t.Helper()
	client, server := net.Pipe()
	f := &sessionFixture{
		roster:  NewRoster(),
		handler: &recordingHandler{},
		hub:     newFakeHub(t, server),
		done:    make(chan error, 1),
	}
	f.session = NewSession(client, identity, f.roster, f.handler)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.session.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return f
}

// handshake drives the session to the connected state and returns the INF it
// sent.
func (f *sessionFixture) handshake(t *testing.T) string {
	t.Helper()
	require.Equal(t, "HSUP ADBASE ADTIGR", f.hub.readLine())
	f.hub.send("ISUP ADBASE ADTIGR")
	f.hub.send("ISID AAAB")
	f.hub.send(`ISTA 000 Welcome\sto\sthe\shub`)
	inf := f.hub.readLine()
	require.Eventually(t, func() bool { return f.session.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	return inf
}

func TestSession_Handshake(t *testing.T) {
	f := startSession(t, testIdentity)
	inf := f.handshake(t)

	assert.Equal(t, `BINF AAAB IDSXX4RUEEB263P3EX7VAGSMHGO4XVDBTQOJZNONI PD4MH2IBPDTOP34ELXWSXRY35CSTHDR3PCOMWZPMI CT1 NInusbot VEnusbot\s1.0 DEI'm\sa\sbot`, inf)
	assert.Equal(t, "AAAB", f.session.SessionID())
	assert.Equal(t, 1, f.handler.snapshot().connected)
}

func TestSession_ActiveIdentityAdvertisesTCP4(t *testing.T) {
	identity := testIdentity
	identity.Active = true
	f := startSession(t, identity)
	inf := f.handshake(t)

	assert.True(t, strings.HasSuffix(inf, " SUTCP4 I40.0.0.0"), inf)
}

func TestSession_HubInfoCompletesIdentification(t *testing.T) {
	f := startSession(t, testIdentity)
	require.Equal(t, "HSUP ADBASE ADTIGR", f.hub.readLine())
	f.hub.send("ISID AAAC")
	f.hub.send(`IINF NIMy\sHub VEuhub`)

	inf := f.hub.readLine()
	assert.True(t, strings.HasPrefix(inf, "BINF AAAC "), inf)
	require.Eventually(t, func() bool { return f.session.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "My Hub", f.session.HubInfo()["NI"])
}

func TestSession_NotConnectedBeforeHandshake(t *testing.T) {
	f := startSession(t, testIdentity)
	assert.ErrorIs(t, f.session.Announce("hi", ""), ErrNotConnected)
	f.hub.readLine()
}

func TestSession_UserUpdates(t *testing.T) {
	f := startSession(t, testIdentity)
	f.handshake(t)

	f.hub.send(`BINF ABCD IDCIDOFBOB NIbob I4192.168.1.2 SUTCP4,ADC0 DEhello\sworld`)
	require.Eventually(t, func() bool { return f.roster.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	bob, ok := f.roster.BySID("ABCD")
	require.True(t, ok)
	assert.Equal(t, "CIDOFBOB", bob.CID)
	assert.Equal(t, "bob", bob.Nick)
	assert.Equal(t, "192.168.1.2", bob.Address)
	assert.True(t, bob.Supports("TCP4"))
	assert.Equal(t, "hello world", bob.Fields[FieldDescription])

	f.hub.send("BINF ABCD DE")
	require.Eventually(t, func() bool {
		u, _ := f.roster.BySID("ABCD")
		_, has := u.Fields[FieldDescription]
		return !has
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_InfoThenQuitLeavesRosterEmpty(t *testing.T) {
	f := startSession(t, testIdentity)
	f.handshake(t)

	f.hub.send("BINF ZZZZ IDUNKNOWNCID NIstranger")
	require.Eventually(t, func() bool { return f.roster.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.hub.send("IQUI ZZZZ")
	require.Eventually(t, func() bool { return f.roster.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_ChatAndConnectToMe(t *testing.T) {
	f := startSession(t, testIdentity)
	f.handshake(t)

	f.hub.send("BINF ABCD IDCIDOFBOB NIbob I4192.168.1.2")
	f.hub.send(`BMSG ABCD hello\sall`)
	f.hub.send(`EMSG ABCD AAAB nusbot\sscan PMABCD`)
	f.hub.send(`BMSG AAAB my\sown\secho`)
	f.hub.send(`BMSG QQQQ from\snobody`)
	f.hub.send("DCTM ABCD AAAB ADC/1.0 4000 TOKEN123")
	f.hub.send("DCTM ABCD QQQQ ADC/1.0 4000 OTHER")
	f.hub.send("DRCM ABCD AAAB ADC/1.0 TOKEN")

	require.Eventually(t, func() bool { return len(f.handler.snapshot().ctms) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := f.handler.snapshot()

	require.Len(t, got.chats, 2)
	assert.Equal(t, "hello all", got.chats[0].Text)
	assert.False(t, got.chats[0].Private)
	assert.Equal(t, "bob", got.chats[0].From.Nick)
	assert.Equal(t, "nusbot scan", got.chats[1].Text)
	assert.True(t, got.chats[1].Private)

	ctm := got.ctms[0]
	assert.Equal(t, "CIDOFBOB", ctm.From.CID)
	assert.Equal(t, "ADC/1.0", ctm.Protocol)
	assert.Equal(t, "4000", ctm.Port)
	assert.Equal(t, "TOKEN123", ctm.Token)
}

func TestSession_MalformedLinesAreIgnored(t *testing.T) {
	f := startSession(t, testIdentity)
	f.handshake(t)

	f.hub.send("garbage")
	f.hub.send("BZZZ ABCD what")
	f.hub.send("")
	f.hub.send("BINF ABCD IDX NIstill-alive")
	require.Eventually(t, func() bool { return f.roster.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, f.session.State())
}

func TestSession_OverlongLineIsDropped(t *testing.T) {
	f := startSession(t, testIdentity)
	f.handshake(t)

	f.hub.send("BINF ABCD IDCIDOFBOB NIbob")
	require.Eventually(t, func() bool { return f.roster.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.hub.send("BMSG ABCD " + strings.Repeat("x", 70*1024))
	f.hub.send("IQUI ABCD")
	require.Eventually(t, func() bool { return f.roster.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateConnected, f.session.State())
	got := f.handler.snapshot()
	assert.Empty(t, got.disconnected)
	assert.Empty(t, got.chats)
}

func TestSession_InvalidSessionIDIsIgnored(t *testing.T) {
	f := startSession(t, testIdentity)
	require.Equal(t, "HSUP ADBASE ADTIGR", f.hub.readLine())
	f.hub.send("ISID !!")
	f.hub.send("ISID AAAD")
	f.hub.send("ISTA 000 hi")

	inf := f.hub.readLine()
	assert.True(t, strings.HasPrefix(inf, "BINF AAAD "), inf)
	assert.Equal(t, "AAAD", f.session.SessionID())
}

func TestSession_Announce(t *testing.T) {
	f := startSession(t, testIdentity)
	f.handshake(t)

	errs := make(chan error, 1)
	go func() { errs <- f.session.Announce("first line\nsecond line", "") }()
	assert.Equal(t, `BMSG AAAB first\sline`, f.hub.readLine())
	assert.Equal(t, `BMSG AAAB second\sline`, f.hub.readLine())
	require.NoError(t, <-errs)

	go func() { errs <- f.session.Announce("psst", "ABCD") }()
	assert.Equal(t, "DMSG AAAB ABCD psst PMAAAB", f.hub.readLine())
	require.NoError(t, <-errs)
}

func TestSession_TransportLoss(t *testing.T) {
	f := startSession(t, testIdentity)
	f.handshake(t)
	f.hub.send("BINF ABCD IDX NIbob")
	require.Eventually(t, func() bool { return f.roster.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.hub.conn.Close()

	select {
	case err := <-f.done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, StateClosed, f.session.State())
	assert.Zero(t, f.roster.Len())
	assert.Len(t, f.handler.snapshot().disconnected, 1)
	assert.ErrorIs(t, f.session.Announce("x", ""), ErrNotConnected)
}

func TestSession_CancelStopsRun(t *testing.T) {
	f := startSession(t, testIdentity)
	f.handshake(t)

	f.cancel()
	select {
	case err := <-f.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}
