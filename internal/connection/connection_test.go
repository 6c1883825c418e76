package connection

import (
	"crypto/sha256"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soft/internal/checksumcache"
	"soft/internal/metrics"
	"soft/internal/pathcache"
	"soft/internal/sandbox"
	"soft/internal/wire"
)

// scrapeMetrics renderiza o corpo Prometheus atual de m, para asserções de
// conteúdo textual nos testes.
func scrapeMetrics(t *testing.T, m *metrics.Server) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}

type captureSocket struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *captureSocket) WriteTo(b []byte, addr net.Addr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), b...)
	s.sent = append(s.sent, cp)
	return len(b), nil
}

func (s *captureSocket) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *captureSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestDeps(t *testing.T, content string) (Deps, *captureSocket, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arquivo.txt"), []byte(content), 0o644))
	sb, err := sandbox.New(dir)
	require.NoError(t, err)
	sock := &captureSocket{}
	return Deps{
		Socket:        sock,
		PathCache:     pathcache.New(nil),
		ChecksumCache: checksumcache.New(),
		Sandbox:       sb,
	}, sock, dir
}

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

func waitChecksumReady(t *testing.T, deps Deps, name, path string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		_, err := deps.ChecksumCache.TryGet(name, path)
		if err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("checksum nunca ficou pronto")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestHandshakeSucceeds(t *testing.T) {
	deps, sock, dir := newTestDeps(t, "conteudo de teste")
	waitChecksumReady(t, deps, "arquivo.txt", filepath.Join(dir, "arquivo.txt"))

	c := New(1, deps, 512)
	req := wire.Req{MaxPacketSize: 512, Offset: 0, FileName: "arquivo.txt"}
	err := c.handshake(req, testAddr(1))
	require.NoError(t, err)

	pkt, err := wire.Parse(sock.last())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeAcc, pkt.Type)
	assert.Equal(t, uint32(1), pkt.Acc.ConnectionID)
	assert.Equal(t, uint64(len("conteudo de teste")), pkt.Acc.FileSize)
	assert.Equal(t, sha256.Sum256([]byte("conteudo de teste")), pkt.Acc.Checksum)
}

func TestHandshakeSuccessIncrementsMetrics(t *testing.T) {
	deps, _, dir := newTestDeps(t, "conteudo de teste")
	waitChecksumReady(t, deps, "arquivo.txt", filepath.Join(dir, "arquivo.txt"))
	deps.Metrics = metrics.NewServer()

	c := New(1, deps, 512)
	req := wire.Req{MaxPacketSize: 512, Offset: 0, FileName: "arquivo.txt"}
	require.NoError(t, c.handshake(req, testAddr(1)))

	body := scrapeMetrics(t, deps.Metrics)
	assert.Contains(t, body, "soft_server_connections_admitted_total 1")
	assert.Contains(t, body, "soft_server_active_connections 1")
}

func TestHandshakeFileNotFound(t *testing.T) {
	deps, sock, _ := newTestDeps(t, "x")
	c := New(1, deps, 512)
	err := c.handshake(wire.Req{MaxPacketSize: 512, FileName: "nao-existe.txt"}, testAddr(1))
	require.Error(t, err)

	pkt, perr := wire.Parse(sock.last())
	require.NoError(t, perr)
	assert.Equal(t, wire.TypeErr, pkt.Type)
	assert.Equal(t, wire.ErrFileNotFound, pkt.Err.Code)
}

func TestHandshakeInvalidOffset(t *testing.T) {
	deps, sock, dir := newTestDeps(t, "abc")
	waitChecksumReady(t, deps, "arquivo.txt", filepath.Join(dir, "arquivo.txt"))
	c := New(1, deps, 512)
	err := c.handshake(wire.Req{MaxPacketSize: 512, Offset: 10, FileName: "arquivo.txt"}, testAddr(1))
	require.Error(t, err)

	pkt, perr := wire.Parse(sock.last())
	require.NoError(t, perr)
	assert.Equal(t, wire.ErrInvalidOffset, pkt.Err.Code)
}

func TestHandshakeChecksumNotReady(t *testing.T) {
	deps, sock, _ := newTestDeps(t, "abc")
	c := New(1, deps, 512)
	err := c.handshake(wire.Req{MaxPacketSize: 512, FileName: "arquivo.txt"}, testAddr(1))
	require.Error(t, err)

	pkt, perr := wire.Parse(sock.last())
	require.NoError(t, perr)
	assert.Equal(t, wire.ErrChecksumNotReady, pkt.Err.Code)
}

func readyConnection(t *testing.T, content string, maxPacketSize uint16) (*Connection, *captureSocket) {
	t.Helper()
	deps, sock, dir := newTestDeps(t, content)
	waitChecksumReady(t, deps, "arquivo.txt", filepath.Join(dir, "arquivo.txt"))
	c := New(7, deps, maxPacketSize)
	require.NoError(t, c.handshake(wire.Req{MaxPacketSize: maxPacketSize, FileName: "arquivo.txt"}, testAddr(1)))
	return c, sock
}

func TestAckZeroGrantsWindowAndSendsData(t *testing.T) {
	c, sock := readyConnection(t, "test", 100)
	before := sock.count()

	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 0}, testAddr(1))
	assert.False(t, c.transferFinished())
	c.sendData()

	require.Greater(t, sock.count(), before)
	pkt, err := wire.Parse(sock.last())
	require.NoError(t, err)
	assert.Equal(t, wire.TypeData, pkt.Type)
	assert.Equal(t, uint64(0), pkt.Data.SequenceNumber)
	assert.Equal(t, "test", string(pkt.Data.Payload))
	assert.EqualValues(t, 1.0, c.deps.PathCache.CongestionWindow(c.clientAddr))
}

func TestAckAdvancesAndIncreasesCongestionWindow(t *testing.T) {
	c, _ := readyConnection(t, "test", 100)
	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 0}, testAddr(1))
	c.sendData()

	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 1}, testAddr(1))
	assert.EqualValues(t, 1, c.lastForwardAck)
	assert.EqualValues(t, 2.0, c.deps.PathCache.CongestionWindow(c.clientAddr))
	assert.True(t, c.transferFinished())
}

func TestDuplicateAckZeroIsIgnored(t *testing.T) {
	c, _ := readyConnection(t, "test", 100)
	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 0}, testAddr(1))
	before := c.deps.PathCache.CongestionWindow(c.clientAddr)

	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 0}, testAddr(1))
	assert.Equal(t, before, c.deps.PathCache.CongestionWindow(c.clientAddr))
	assert.EqualValues(t, 0, c.lastForwardAck)
}

func TestDuplicateAckBelowRangeDecreasesCongestionWindowOnce(t *testing.T) {
	c, _ := readyConnection(t, "abcdefgh", 20)
	// RTT grande o bastante para que o rate-limit de packet_loss_timeout
	// não expire entre as duas chamadas seguintes, deixando o teste
	// determinístico independente da velocidade de execução.
	c.deps.PathCache.ApplyRTTSample(testAddr(1), 10*time.Second)

	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 0}, testAddr(1))
	c.sendData() // envia seq 0
	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 1}, testAddr(1))
	c.sendData() // envia seq 1, chega a EOF
	before := c.deps.PathCache.CongestionWindow(c.clientAddr)

	// ack duplicado (next == last_forward_ack == 1), força diminuição
	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 1}, testAddr(1))
	assert.Less(t, c.deps.PathCache.CongestionWindow(c.clientAddr), before)
	assert.EqualValues(t, 0, c.lastPacketSent, "duplicata força retransmissão a partir do último confirmado")

	// uma segunda duplicata imediata é limitada pelo packet_loss_timeout
	afterFirst := c.deps.PathCache.CongestionWindow(c.clientAddr)
	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 1}, testAddr(1))
	assert.Equal(t, afterFirst, c.deps.PathCache.CongestionWindow(c.clientAddr))
}

func TestAckAboveRangeIsIgnored(t *testing.T) {
	c, _ := readyConnection(t, "test", 100)
	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 99}, testAddr(1))
	assert.EqualValues(t, -1, c.lastForwardAck)
}

func TestMigrationAdoptsNewSourceAddress(t *testing.T) {
	c, _ := readyConnection(t, "test", 100)
	c.handleAck(wire.Ack{ReceiveWindow: 10, ConnectionID: 7, NextSequenceNumber: 0}, testAddr(2))
	assert.Equal(t, testAddr(2).String(), c.clientAddr.String())
}

func TestStoppedBecomesTrueAfterRun(t *testing.T) {
	c, _ := readyConnection(t, "test", 100)
	assert.False(t, c.Stopped())
	close(c.done)
	assert.True(t, c.Stopped())
}
