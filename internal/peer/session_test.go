package peer

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownCID  = "SXX4RUEEB263P3EX7VAGSMHGO4XVDBTQOJZNONI"
	peerCID = "PYCOXCNHVPMZVE34V3O7B4PAK436DRWYQX5JT2Q"
	token   = "TOKEN123"
)

type fakePeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (p *fakePeer) readLine() string {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := p.r.ReadString('\n')
	require.NoError(p.t, err)
	return strings.TrimSuffix(line, "\n")
}

func (p *fakePeer) send(data string) {
	p.t.Helper()
	p.write([]byte(data))
}

func (p *fakePeer) write(data []byte) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := p.conn.Write(data)
	require.NoError(p.t, err)
}

type outcome struct {
	result *Result
	err    error
}

func startSession(t *testing.T, config Config) (*fakePeer, *Session, chan outcome) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	s := NewSession(client, config)
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run(context.Background())
		done <- outcome{res, err}
	}()
	return &fakePeer{t: t, conn: server, r: bufio.NewReader(server)}, s, done
}

func wait(t *testing.T, done chan outcome) outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return outcome{}
	}
}

func dialerConfig(compressed bool) Config {
	return Config{Role: RoleDialer, OwnCID: ownCID, PeerCID: peerCID, Token: token, Compressed: compressed}
}

// dialerHandshake plays the listening peer up to the GET and returns it.
func dialerHandshake(t *testing.T, p *fakePeer, peerFeatures string) string {
	t.Helper()
	sup := p.readLine()
	require.True(t, strings.HasPrefix(sup, "CSUP ADBASE ADTIGR"), sup)
	p.send("CSUP " + peerFeatures + "\n")
	assert.Equal(t, "CINF ID"+ownCID+" TO"+token, p.readLine())
	p.send("CINF ID" + peerCID + "\n")
	return p.readLine()
}

func TestSession_DialerCompressed(t *testing.T) {
	compressed, err := os.ReadFile("testdata/files.xml.bz2")
	require.NoError(t, err)
	plain, err := os.ReadFile("testdata/files.xml")
	require.NoError(t, err)

	p, s, done := startSession(t, dialerConfig(true))
	assert.Equal(t, "CGET file files.xml.bz2 0 -1", dialerHandshake(t, p, "ADBASE ADTIGR ADBZIP"))

	// announcement and the first bytes in one write, the rest in small pieces
	head := fmt.Sprintf("CSND file files.xml.bz2 0 %d\n", len(compressed))
	p.write(append([]byte(head), compressed[:10]...))
	for rest := compressed[10:]; len(rest) > 0; {
		n := min(len(rest), 37)
		p.write(rest[:n])
		rest = rest[n:]
	}

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, plain, o.result.Listing)
	assert.True(t, o.result.Compressed)
	assert.Equal(t, int64(len(compressed)), o.result.WireBytes)
	assert.Equal(t, peerCID, o.result.CID)
	assert.Equal(t, StateDone, s.State())
}

func TestSession_DialerPlainWhenPeerLacksBZIP(t *testing.T) {
	plain, err := os.ReadFile("testdata/files.xml")
	require.NoError(t, err)

	p, _, done := startSession(t, dialerConfig(true))
	assert.Equal(t, "CGET list / 0 -1 RE1", dialerHandshake(t, p, "ADBASE ADTIGR"))

	p.write(append([]byte(fmt.Sprintf("CSND list / 0 %d\n", len(plain))), plain...))

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, plain, o.result.Listing)
	assert.False(t, o.result.Compressed)
}

func TestSession_DialerPlainWhenCompressionDisabled(t *testing.T) {
	p, _, done := startSession(t, dialerConfig(false))
	assert.Equal(t, "CSUP ADBASE ADTIGR", p.readLine())
	p.send("CSUP ADBASE ADTIGR ADBZIP\n")
	p.readLine()
	p.send("CINF ID" + peerCID + "\n")
	assert.Equal(t, "CGET list / 0 -1 RE1", p.readLine())

	p.send("CSND list / 0 0\n")
	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Empty(t, o.result.Listing)
}

func TestSession_LargeAnnouncementIsNotPreallocated(t *testing.T) {
	p, s, done := startSession(t, dialerConfig(false))
	dialerHandshake(t, p, "ADBASE ADTIGR")

	p.send(fmt.Sprintf("CSND list / 0 %d\n", 200<<20))
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, s.plain.Cap(), maxPrealloc)

	p.conn.Close()
	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrFetchFailed)
}

func TestSession_TruncatedTransferFails(t *testing.T) {
	p, _, done := startSession(t, dialerConfig(false))
	dialerHandshake(t, p, "ADBASE ADTIGR")

	p.write(append([]byte("CSND list / 0 1000\n"), make([]byte, 500)...))
	p.conn.Close()

	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrFetchFailed)
	assert.Nil(t, o.result)
}

func TestSession_TruncatedCompressedTransferFails(t *testing.T) {
	compressed, err := os.ReadFile("testdata/files.xml.bz2")
	require.NoError(t, err)

	p, _, done := startSession(t, dialerConfig(true))
	dialerHandshake(t, p, "ADBASE ADTIGR ADBZIP")

	p.write(append([]byte(fmt.Sprintf("CSND file files.xml.bz2 0 %d\n", len(compressed))), compressed[:len(compressed)/2]...))
	p.conn.Close()

	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrFetchFailed)
	assert.Nil(t, o.result)
}

func TestSession_CorruptCompressedDataFails(t *testing.T) {
	p, _, done := startSession(t, dialerConfig(true))
	dialerHandshake(t, p, "ADBASE ADTIGR ADBZIP")

	garbage := []byte(strings.Repeat("not bzip2 at all ", 8))
	p.send(fmt.Sprintf("CSND file files.xml.bz2 0 %d\n", len(garbage)))
	// the decoder may give up before everything was written
	_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = p.conn.Write(garbage)

	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrFetchFailed)
}

func TestSession_PeerErrorStatus(t *testing.T) {
	p, _, done := startSession(t, dialerConfig(false))
	dialerHandshake(t, p, "ADBASE ADTIGR")

	p.send(`CSTA 251 File\snot\savailable` + "\n")

	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrFetchFailed)
}

func TestSession_UnexpectedCID(t *testing.T) {
	p, _, done := startSession(t, dialerConfig(false))
	p.readLine()
	p.send("CSUP ADBASE ADTIGR\n")
	p.readLine()
	p.send("CINF IDSOMEBODYELSE\n")

	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrProtocolViolation)
}

func TestSession_MismatchedSND(t *testing.T) {
	tests := []string{
		"CSND file files.xml.bz2 0 10",
		"CSND list /other 0 10",
		"CSND list / 5 10",
		"CSND list / 0 -3",
		"CSND list / 0 many",
		"CSND list / 0",
	}
	for _, snd := range tests {
		t.Run(snd, func(t *testing.T) {
			p, _, done := startSession(t, dialerConfig(false))
			dialerHandshake(t, p, "ADBASE ADTIGR")
			p.send(snd + "\n")

			o := wait(t, done)
			assert.ErrorIs(t, o.err, ErrProtocolViolation)
		})
	}
}

func TestSession_ListingTooLarge(t *testing.T) {
	config := dialerConfig(false)
	config.MaxListingBytes = 100
	p, _, done := startSession(t, config)
	dialerHandshake(t, p, "ADBASE ADTIGR")
	p.send("CSND list / 0 101\n")

	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrProtocolViolation)
}

func acceptorConfig() Config {
	return Config{Role: RoleAcceptor, OwnCID: ownCID, PeerCID: peerCID, Token: token, Compressed: true}
}

func TestSession_Acceptor(t *testing.T) {
	compressed, err := os.ReadFile("testdata/files.xml.bz2")
	require.NoError(t, err)
	plain, err := os.ReadFile("testdata/files.xml")
	require.NoError(t, err)

	p, _, done := startSession(t, acceptorConfig())
	p.send("CSUP ADBASE ADTIGR ADBZIP\n")
	assert.Equal(t, "CSUP ADBASE ADTIGR ADBZIP", p.readLine())
	assert.Equal(t, "CINF ID"+ownCID, p.readLine())
	p.send("CINF ID" + peerCID + " TO" + token + "\n")
	assert.Equal(t, "CGET file files.xml.bz2 0 -1", p.readLine())

	p.write(append([]byte(fmt.Sprintf("CSND file files.xml.bz2 0 %d\n", len(compressed))), compressed...))

	o := wait(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, plain, o.result.Listing)
}

func TestSession_AcceptorRejectsWrongToken(t *testing.T) {
	p, _, done := startSession(t, acceptorConfig())
	p.send("CSUP ADBASE ADTIGR\n")
	p.readLine()
	p.readLine()
	p.send("CINF ID" + peerCID + " TOWRONG\n")

	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrProtocolViolation)
}

func TestSession_ContextCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(client, acceptorConfig())
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run(ctx)
		done <- outcome{res, err}
	}()

	cancel()
	o := wait(t, done)
	assert.ErrorIs(t, o.err, ErrFetchFailed)
	assert.ErrorIs(t, o.err, context.Canceled)
}
