// Package client implementa a Connection cliente (spec §4.7): o espelho
// da Connection servidora do lado que recebe — emissão de Req, validação
// de Acc, emissão de ACK cumulativo, escrita ordenada em disco, migração
// periódica de caminho e verificação final por SHA-256.
package client

import (
	"bufio"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"soft/internal/lossnet"
	"soft/internal/timing"
	"soft/internal/wire"
)

// State enumera as fases do ciclo de vida de uma Connection cliente.
type State int

const (
	StatePreparing State = iota
	StateHandshaking
	StateDownloading
	StateValidating
	StateDownloaded
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "Preparing"
	case StateHandshaking:
		return "Handshaking"
	case StateDownloading:
		return "Downloading"
	case StateValidating:
		return "Validating"
	case StateDownloaded:
		return "Downloaded"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event é publicado no canal de progresso a cada transição de estado
// relevante (spec §7 "user-visible behavior"). O CLI (fora do core)
// assina este canal para desenhar uma barra de progresso.
type Event struct {
	State            State
	TransferredBytes uint64
	FileSize         uint64
	Err              error
}

// Config parametriza uma tentativa de download (spec §4.7).
type Config struct {
	ServerAddr        *net.UDPAddr
	FileName          string
	OutputPath        string // caminho local de destino; default é FileName no diretório atual
	MaxPacketSize     uint16
	MigrationInterval time.Duration // 0 desabilita a migração periódica
	WriteBufferSize   int           // usado para calcular receive_window; default 1<<20
	LossP, LossQ      float64       // parâmetros do modelo de Markov de dois estados (spec §9); 0 desabilita
	Seed              int64
}

const (
	defaultWriteBufferSize = 1 << 20
	minReceiveWindow       = 10
	checksumRetryDelay     = 5 * time.Second
)

// sidecarSuffix é o sufixo do arquivo que guarda o checksum anunciado pelo
// servidor, permitindo retomar o download entre execuções (spec §6
// "Persisted state").
const sidecarSuffix = ".checksum"

// errChecksumNotReady é devolvido internamente quando o servidor responde
// Err(ChecksumNotReady); run trata este caso com espera e nova tentativa,
// nunca o expõe no canal de eventos.
var errChecksumNotReady = errors.New("client: checksum do servidor ainda não está pronto")

// Run conduz um download completo de cfg.FileName, publicando eventos de
// estado em um canal que é fechado quando a transferência alcança um
// estado terminal (Downloaded, Stopped ou Error).
func Run(ctx context.Context, cfg Config, log *zap.Logger) <-chan Event {
	if log == nil {
		log = zap.NewNop()
	}
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		c := &session{cfg: cfg, log: log.With(zap.String("file", cfg.FileName)), events: events}
		c.run(ctx)
	}()
	return events
}

// session é o estado mutável de uma tentativa de download; pertence
// inteiramente à goroutine lançada por Run (sem locks), espelhando a
// disciplina de propriedade única da Connection servidora.
type session struct {
	cfg    Config
	log    *zap.Logger
	events chan Event

	outputPath   string
	sidecarPath  string
	offset       uint64
	storedSum    *[32]byte
	sock         *socket
	connectionID uint32
	fileSize     uint64
	checksum     [32]byte
	sequenceNr   uint64
	transferred  uint64
	rtt          time.Duration

	initialAckInstant    time.Time
	lastMigrationInstant time.Time
	lastAck              wire.Ack
}

// emit publica uma transição de estado. Só os eventos de progresso de
// StateDownloading são descartados quando o canal está cheio; as demais
// transições aguardam o consumidor.
func (c *session) emit(st State) {
	ev := Event{State: st, TransferredBytes: c.transferred, FileSize: c.fileSize}
	if st != StateDownloading {
		c.events <- ev
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *session) emitErr(st State, err error) {
	c.events <- Event{State: st, TransferredBytes: c.transferred, FileSize: c.fileSize, Err: err}
}

func (c *session) run(ctx context.Context) {
	if !wire.ValidFilenameLen(c.cfg.FileName) {
		c.emitErr(StateError, fmt.Errorf("client: nome de arquivo com tamanho inválido: %d bytes", len(c.cfg.FileName)))
		return
	}

	for attempt := 0; ; attempt++ {
		c.emit(StatePreparing)
		alreadyPresent, err := c.prepare()
		if err != nil {
			c.emitErr(StateError, err)
			return
		}
		if alreadyPresent {
			c.emit(StateDownloaded)
			return
		}

		if err := c.openSocket(); err != nil {
			c.emitErr(StateError, err)
			return
		}

		c.emit(StateHandshaking)
		fileChanged, err := c.handshake()
		if err != nil {
			c.sock.Close()
			if errors.Is(err, errChecksumNotReady) {
				if c.storedSum == nil {
					// sem sidecar, o destino é o arquivo vazio criado por
					// prepare; removê-lo evita que a nova tentativa o tome
					// por um download já concluído.
					os.Remove(c.outputPath)
				}
				select {
				case <-time.After(checksumRetryDelay):
					continue
				case <-ctx.Done():
					c.emit(StateStopped)
					return
				}
			}
			c.emitErr(StateError, err)
			return
		}
		if fileChanged {
			// Recomeça o handshake uma única vez após descartar o parcial
			// (spec §4.7 "File-changed recovery").
			c.sock.Close()
			continue
		}

		c.emit(StateDownloading)
		if err := c.download(ctx); err != nil {
			c.sock.Close()
			if errors.Is(err, context.Canceled) {
				c.emit(StateStopped)
				return
			}
			if errors.Is(err, errChecksumNotReady) {
				select {
				case <-time.After(checksumRetryDelay):
					continue
				case <-ctx.Done():
					c.emit(StateStopped)
					return
				}
			}
			c.emitErr(StateError, err)
			return
		}
		c.sock.Close()

		c.emit(StateValidating)
		if err := c.validate(); err != nil {
			c.emitErr(StateError, err)
			return
		}
		c.emit(StateDownloaded)
		return
	}
}

// prepare implementa spec §4.7 "Preparing": decide entre retomar um
// download parcial, reconhecer um arquivo já completo, ou começar do zero.
func (c *session) prepare() (alreadyPresent bool, err error) {
	c.outputPath = c.cfg.OutputPath
	if c.outputPath == "" {
		c.outputPath = c.cfg.FileName
	}
	c.sidecarPath = c.outputPath + sidecarSuffix

	_, statErr := os.Stat(c.outputPath)
	destExists := statErr == nil

	if destExists {
		if sum, ok := loadSidecar(c.sidecarPath); ok {
			c.storedSum = &sum
			info, err := os.Stat(c.outputPath)
			if err != nil {
				return false, err
			}
			c.offset = uint64(info.Size())
			c.log.Debug("retomando download parcial", zap.Uint64("offset", c.offset))
			return false, nil
		}
		// Arquivo presente sem sidecar: já concluído em uma execução anterior.
		return true, nil
	}

	f, err := os.Create(c.outputPath)
	if err != nil {
		return false, err
	}
	f.Close()
	c.offset = 0
	return false, nil
}

func (c *session) openSocket() error {
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	var wrapped net.PacketConn = pc
	if c.cfg.LossP > 0 || c.cfg.LossQ > 0 {
		wrapped = lossnet.Wrap(pc, c.cfg.LossP, c.cfg.LossQ, c.cfg.Seed)
	}
	c.sock = newSocket(wrapped)
	return nil
}

// handshake implementa spec §4.7 "Handshaking". fileChanged=true sinaliza
// que o chamador deve reiniciar prepare()+handshake() uma única vez.
func (c *session) handshake() (fileChanged bool, err error) {
	req := wire.Req{MaxPacketSize: c.cfg.MaxPacketSize, Offset: c.offset, FileName: c.cfg.FileName}
	if err := c.sock.WriteTo(wire.EncodeReq(req), c.cfg.ServerAddr); err != nil {
		return false, err
	}
	if err := c.sock.SetReadDeadline(time.Now().Add(timing.InitialRTT)); err != nil {
		return false, err
	}

	buf := make([]byte, wire.MaxPacketSize)
	n, _, err := c.sock.ReadFrom(buf)
	if err != nil {
		return false, fmt.Errorf("client: timeout aguardando Acc: %w", err)
	}
	pkt, err := wire.Parse(buf[:n])
	if err != nil {
		return false, fmt.Errorf("client: resposta de handshake malformada: %w", err)
	}

	switch pkt.Type {
	case wire.TypeAcc:
		if c.storedSum != nil && *c.storedSum != pkt.Acc.Checksum {
			c.log.Info("checksum do servidor mudou; descartando parcial e reiniciando")
			os.Remove(c.outputPath)
			os.Remove(c.sidecarPath)
			c.storedSum = nil
			c.offset = 0
			c.sequenceNr = 0
			c.transferred = 0
			return true, nil
		}
		if c.storedSum == nil {
			if err := saveSidecar(c.sidecarPath, pkt.Acc.Checksum); err != nil {
				return false, err
			}
		}
		c.connectionID = pkt.Acc.ConnectionID
		c.fileSize = pkt.Acc.FileSize
		c.checksum = pkt.Acc.Checksum
		c.sequenceNr = 0
		c.transferred = c.offset
		c.lastAck = wire.Ack{ReceiveWindow: c.receiveWindow(), ConnectionID: c.connectionID, NextSequenceNumber: 0}
		if err := c.sock.WriteTo(wire.EncodeAck(c.lastAck), c.cfg.ServerAddr); err != nil {
			return false, err
		}
		now := time.Now()
		c.initialAckInstant = now
		c.lastMigrationInstant = now
		return false, nil
	case wire.TypeErr:
		if pkt.Err.Code == wire.ErrChecksumNotReady {
			return false, errChecksumNotReady
		}
		return false, fmt.Errorf("client: servidor recusou handshake: %s", pkt.Err.Code)
	default:
		return false, fmt.Errorf("client: tipo de pacote inesperado no handshake: %s", pkt.Type)
	}
}

// receiveWindow é max(write_buffer/max_packet_size, 10) (spec §4.7).
func (c *session) receiveWindow() uint16 {
	bufSize := c.cfg.WriteBufferSize
	if bufSize <= 0 {
		bufSize = defaultWriteBufferSize
	}
	w := bufSize / int(c.cfg.MaxPacketSize)
	if w < minReceiveWindow {
		w = minReceiveWindow
	}
	if w > 0xFFFF {
		w = 0xFFFF
	}
	return uint16(w)
}

// download implementa spec §4.7 "Downloading": escrita em ordem, ACK
// cumulativo, nudge em recebimento fora de ordem, retransmissão de ACK em
// timeout e migração periódica de caminho.
func (c *session) download(ctx context.Context) error {
	f, err := os.OpenFile(c.outputPath, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(int64(c.offset), 0); err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 1<<16)

	firstDataReceived := false
	buf := make([]byte, wire.MaxPacketSize)

	for c.transferred < c.fileSize {
		select {
		case <-ctx.Done():
			w.Flush()
			return ctx.Err()
		default:
		}

		if c.cfg.MigrationInterval > 0 && time.Since(c.lastMigrationInstant) > c.cfg.MigrationInterval {
			if err := c.migrate(); err != nil {
				w.Flush()
				return err
			}
		}

		deadline := timing.AckRetransmissionTimeout(c.rtt)
		if !firstDataReceived {
			deadline = timing.InitialRTT
		}
		if err := c.sock.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			w.Flush()
			return err
		}

		n, _, err := c.sock.ReadFrom(buf)
		if err != nil {
			// timeout: reemite o último ACK (spec §4.7).
			c.sock.WriteTo(wire.EncodeAck(c.lastAck), c.cfg.ServerAddr)
			continue
		}

		pkt, perr := wire.Parse(buf[:n])
		if perr != nil {
			c.log.Debug("pacote malformado descartado", zap.Error(perr))
			continue
		}

		switch pkt.Type {
		case wire.TypeData:
			if !firstDataReceived {
				c.rtt = time.Since(c.initialAckInstant)
				firstDataReceived = true
			}
			if err := c.handleData(w, pkt.Data); err != nil {
				w.Flush()
				return err
			}
		case wire.TypeErr:
			w.Flush()
			if pkt.Err.Code == wire.ErrChecksumNotReady {
				return errChecksumNotReady
			}
			return fmt.Errorf("client: servidor reportou erro durante download: %s", pkt.Err.Code)
		default:
			c.log.Debug("pacote inesperado descartado durante download", zap.Stringer("type", pkt.Type))
		}
	}

	return w.Flush()
}

func (c *session) handleData(w *bufio.Writer, d wire.Data) error {
	switch {
	case d.SequenceNumber == c.sequenceNr:
		if _, err := w.Write(d.Payload); err != nil {
			return err
		}
		c.sequenceNr++
		c.transferred += uint64(len(d.Payload))
		c.emit(StateDownloading)
		c.lastAck = wire.Ack{ReceiveWindow: c.receiveWindow(), ConnectionID: c.connectionID, NextSequenceNumber: c.sequenceNr}
		return c.sock.WriteTo(wire.EncodeAck(c.lastAck), c.cfg.ServerAddr)
	case d.SequenceNumber > c.sequenceNr:
		// fora de ordem: descarta e cutuca o emissor com o ACK esperado.
		return c.sock.WriteTo(wire.EncodeAck(c.lastAck), c.cfg.ServerAddr)
	default:
		// duplicata de um segmento já escrito: descarta silenciosamente.
		return nil
	}
}

// migrate troca o endpoint UDP ativo sem afetar connection_id nem
// sequence_nr (spec §4.5/§4.7/GLOSSARY "Migration"): o estado da sessão
// sobrevive, só o socket é substituído.
func (c *session) migrate() error {
	if err := c.sock.Rebind(c.cfg.LossP, c.cfg.LossQ, c.cfg.Seed); err != nil {
		return err
	}
	c.lastMigrationInstant = time.Now()
	c.log.Debug("migração de caminho executada", zap.Stringer("novo_endereco_local", c.sock.LocalAddr()))
	return c.sock.WriteTo(wire.EncodeAck(c.lastAck), c.cfg.ServerAddr)
}

// validate implementa spec §4.7 "Validating": recalcula o SHA-256 do
// arquivo de destino e compara com o checksum anunciado no handshake.
func (c *session) validate() error {
	f, err := os.Open(c.outputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	if sum != c.checksum {
		return fmt.Errorf("client: checksum SHA-256 não confere após download")
	}
	return os.Remove(c.sidecarPath)
}

func loadSidecar(path string) (sum [32]byte, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) != 32 {
		return sum, false
	}
	copy(sum[:], data)
	return sum, true
}

func saveSidecar(path string, sum [32]byte) error {
	return os.WriteFile(path, sum[:], 0o644)
}

// socket encapsula o net.PacketConn ativo da sessão cliente, permitindo
// trocá-lo em voo (migração) sem perturbar o laço de recepção único
// (spec §5 "the client socket is wrapped to support migration").
type socket struct {
	mu sync.RWMutex
	pc net.PacketConn
}

func newSocket(pc net.PacketConn) *socket {
	return &socket{pc: pc}
}

func (s *socket) WriteTo(b []byte, addr net.Addr) error {
	s.mu.RLock()
	pc := s.pc
	s.mu.RUnlock()
	_, err := pc.WriteTo(b, addr)
	return err
}

func (s *socket) ReadFrom(b []byte) (int, net.Addr, error) {
	s.mu.RLock()
	pc := s.pc
	s.mu.RUnlock()
	return pc.ReadFrom(b)
}

func (s *socket) SetReadDeadline(t time.Time) error {
	s.mu.RLock()
	pc := s.pc
	s.mu.RUnlock()
	return pc.SetReadDeadline(t)
}

func (s *socket) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pc.LocalAddr()
}

func (s *socket) Close() error {
	s.mu.RLock()
	pc := s.pc
	s.mu.RUnlock()
	return pc.Close()
}

// Rebind fecha o socket corrente e abre um novo endpoint UDP efêmero,
// bloqueando qualquer leitura/escrita concorrente enquanto troca (spec §5).
func (s *socket) Rebind(lossP, lossQ float64, seed int64) error {
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	var wrapped net.PacketConn = pc
	if lossP > 0 || lossQ > 0 {
		wrapped = lossnet.Wrap(pc, lossP, lossQ, seed)
	}

	s.mu.Lock()
	old := s.pc
	s.pc = wrapped
	s.mu.Unlock()

	old.Close()
	return nil
}

