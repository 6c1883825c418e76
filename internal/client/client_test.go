package client

import (
	"context"
	"crypto/sha256"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soft/internal/muxserver"
)

func startServer(t *testing.T, dir, name, content string) *net.UDPAddr {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))

	socket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	srv, err := muxserver.New(socket, dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(cancel)

	return socket.LocalAddr().(*net.UDPAddr)
}

func drain(t *testing.T, events <-chan Event) Event {
	t.Helper()
	var last Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return last
			}
			last = ev
		case <-deadline:
			t.Fatal("canal de eventos nunca foi fechado")
		}
	}
}

func TestRunDownloadsOnePacketFile(t *testing.T) {
	serverDir := t.TempDir()
	addr := startServer(t, serverDir, "hello.txt", "test")

	clientDir := t.TempDir()
	out := filepath.Join(clientDir, "hello.txt")

	events := Run(context.Background(), Config{
		ServerAddr:    addr,
		FileName:      "hello.txt",
		OutputPath:    out,
		MaxPacketSize: 100,
	}, nil)

	final := drain(t, events)
	require.Equal(t, StateDownloaded, final.State, "%+v", final)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "test", string(data))
	_, err = os.Stat(out + sidecarSuffix)
	assert.True(t, os.IsNotExist(err), "sidecar deveria ter sido removido após validação")
}

func TestRunDownloadsMultiPacketFile(t *testing.T) {
	serverDir := t.TempDir()
	addr := startServer(t, serverDir, "hello.txt", "hello world")

	clientDir := t.TempDir()
	out := filepath.Join(clientDir, "hello.txt")

	events := Run(context.Background(), Config{
		ServerAddr:    addr,
		FileName:      "hello.txt",
		OutputPath:    out,
		MaxPacketSize: 18, // cabeçalho Data (16) + 2 bytes de payload
	}, nil)

	final := drain(t, events)
	require.Equal(t, StateDownloaded, final.State, "%+v", final)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestRunFileNotFoundReportsError(t *testing.T) {
	serverDir := t.TempDir()
	addr := startServer(t, serverDir, "hello.txt", "test")

	clientDir := t.TempDir()
	out := filepath.Join(clientDir, "missing.txt")

	events := Run(context.Background(), Config{
		ServerAddr:    addr,
		FileName:      "missing.txt",
		OutputPath:    out,
		MaxPacketSize: 100,
	}, nil)

	final := drain(t, events)
	assert.Equal(t, StateError, final.State)
	assert.Error(t, final.Err)
}

func TestRunRejectsOversizedFilename(t *testing.T) {
	events := Run(context.Background(), Config{
		ServerAddr:    &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1},
		FileName:      string(make([]byte, 485)),
		MaxPacketSize: 100,
	}, nil)

	final := drain(t, events)
	assert.Equal(t, StateError, final.State)
	assert.Error(t, final.Err)
}

func TestRunResumesFromSidecar(t *testing.T) {
	serverDir := t.TempDir()
	content := "hello world"
	addr := startServer(t, serverDir, "hello.txt", content)

	clientDir := t.TempDir()
	out := filepath.Join(clientDir, "hello.txt")

	firstHalf := content[:6]
	require.NoError(t, os.WriteFile(out, []byte(firstHalf), 0o644))

	// Popula o sidecar com o checksum do arquivo completo, como o client
	// teria feito ao receber o primeiro Acc (spec §6 "Persisted state").
	sum := sha256Sum(t, filepath.Join(serverDir, "hello.txt"))
	require.NoError(t, saveSidecar(out+sidecarSuffix, sum))

	events := Run(context.Background(), Config{
		ServerAddr:    addr,
		FileName:      "hello.txt",
		OutputPath:    out,
		MaxPacketSize: 22,
	}, nil)

	final := drain(t, events)
	require.Equal(t, StateDownloaded, final.State, "%+v", final)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestRunAlreadyPresentWithoutSidecarSkipsTransfer(t *testing.T) {
	serverDir := t.TempDir()
	addr := startServer(t, serverDir, "hello.txt", "test")

	clientDir := t.TempDir()
	out := filepath.Join(clientDir, "hello.txt")
	require.NoError(t, os.WriteFile(out, []byte("test"), 0o644))

	events := Run(context.Background(), Config{
		ServerAddr:    addr,
		FileName:      "hello.txt",
		OutputPath:    out,
		MaxPacketSize: 100,
	}, nil)

	final := drain(t, events)
	assert.Equal(t, StateDownloaded, final.State)
	assert.Zero(t, final.TransferredBytes)
}

func sha256Sum(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256.Sum256(data)
}
