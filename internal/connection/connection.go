// Package connection implementa a máquina de estados de uma sessão
// servidor-lado (spec §4.5): handshake, emissão de Data limitada pela
// janela efetiva, tratamento de ACK, retransmissão e migração.
package connection

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"soft/internal/checksumcache"
	"soft/internal/metrics"
	"soft/internal/pathcache"
	"soft/internal/sandbox"
	"soft/internal/sendbuf"
	"soft/internal/timing"
	"soft/internal/wire"
)

// fileReaderBufferSize é o tamanho do buffer de leitura do arquivo servido.
const fileReaderBufferSize = 1 << 16

// inboundChannelSize é a capacidade do canal de pacotes de entrada de uma
// Connection.
const inboundChannelSize = 10

// packetConnWriter é o subconjunto de net.PacketConn usado para enviar
// datagramas; existe para permitir injeção de internal/lossnet em testes.
type packetConnWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Deps agrupa as dependências compartilhadas entre todas as Connections de
// um mesmo servidor.
type Deps struct {
	Socket        packetConnWriter
	PathCache     *pathcache.Cache
	ChecksumCache *checksumcache.Cache
	Sandbox       *sandbox.Sandbox
	Log           *zap.Logger
	Metrics       *metrics.Server // opcional; nil desliga a coleta
}

// inboundPacket é uma mensagem entregue pelo multiplexador à Connection.
type inboundPacket struct {
	pkt  wire.Packet
	addr *net.UDPAddr
}

// Connection é a sessão de transferência de um único arquivo para um único
// cliente. Todo o estado mutável pertence exclusivamente à goroutine que
// executa Run; o multiplexador só escreve no canal de entrada via Deliver e
// lê Stopped().
type Connection struct {
	id            uint32
	deps          Deps
	maxPacketSize uint16
	log           *zap.Logger

	inbound chan inboundPacket
	done    chan struct{}

	// estado de propriedade exclusiva do emissor (sem locks).
	clientAddr          *net.UDPAddr
	lastForwardAck      int64
	lastPacketSent      int64
	clientReceiveWindow uint16
	sendBuffer          *sendbuf.Buffer
	reader              *bufio.Reader
	file                io.Closer
	fileSize            uint64
	checksum            [32]byte

	packetLossTimeout time.Time
	connectionTimeout time.Time

	rttSampleSeq  int64
	rttSampleTime time.Time
}

// New cria uma Connection pronta para rodar Run. maxPacketSize já deve
// estar negociado (min(req.max_packet_size, wire.MaxPacketSize)).
func New(id uint32, deps Deps, maxPacketSize uint16) *Connection {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		id:             id,
		deps:           deps,
		maxPacketSize:  maxPacketSize,
		// trace_id é um identificador de correlação próprio do processo de
		// log, independente de connection_id (que é o uint32 do protocolo de
		// fio e pode ser reutilizado após TTL); ajuda a distinguir duas
		// Connections que colidiram no mesmo id em janelas de tempo distintas.
		log:            log.With(zap.Uint32("connection_id", id), zap.Stringer("trace_id", xid.New())),
		inbound:        make(chan inboundPacket, inboundChannelSize),
		done:           make(chan struct{}),
		lastForwardAck: -1,
		lastPacketSent: -1,
		sendBuffer:     sendbuf.New(),
		rttSampleSeq:   -1,
	}
}

// ID retorna o identificador de conexão atribuído pelo multiplexador.
func (c *Connection) ID() uint32 { return c.id }

// Deliver entrega um pacote de entrada à Connection. Não bloqueia
// indefinidamente: se o canal estiver cheio a conexão é considerada lenta
// demais e o pacote é descartado (o cliente retransmitirá).
func (c *Connection) Deliver(pkt wire.Packet, addr *net.UDPAddr) {
	select {
	case c.inbound <- inboundPacket{pkt: pkt, addr: addr}:
	case <-c.done:
	default:
	}
}

// Stopped reporta se a Connection já terminou (Completed, Errored ou
// TimedOut). Usado pelo multiplexador para evitar repovoar uma conexão
// morta antes que sua entrada TTL expire.
func (c *Connection) Stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Run executa o handshake e, em caso de sucesso, o laço de serviço. ready
// recebe nil se o handshake foi concluído (o multiplexador deve registrar
// a conexão na tabela TTL) ou um erro caso deva ser descartada sem registro.
func (c *Connection) Run(ctx context.Context, req wire.Req, addr *net.UDPAddr, ready chan<- error) {
	defer close(c.done)
	c.clientAddr = addr

	if err := c.handshake(req, addr); err != nil {
		ready <- err
		return
	}
	ready <- nil

	now := time.Now()
	c.packetLossTimeout = now
	c.connectionTimeout = now.Add(timing.ConnectionTimeout(timing.InitialRTT))

	c.serve(ctx)
}

func (c *Connection) handshake(req wire.Req, addr *net.UDPAddr) error {
	f, err := c.deps.Sandbox.Open(req.FileName)
	if err != nil {
		c.sendErr(wire.ErrFileNotFound, addr)
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		c.sendErr(wire.ErrInternal, addr)
		return err
	}
	fileSize := uint64(info.Size())
	if req.Offset >= fileSize {
		f.Close()
		c.sendErr(wire.ErrInvalidOffset, addr)
		return errors.New("connection: offset além do tamanho do arquivo")
	}

	path, err := c.deps.Sandbox.Path(req.FileName)
	if err != nil {
		f.Close()
		c.sendErr(wire.ErrFileNotFound, addr)
		return err
	}
	checksum, err := c.deps.ChecksumCache.TryGet(req.FileName, path)
	if err != nil {
		f.Close()
		if errors.Is(err, checksumcache.ErrNotReady) {
			c.sendErr(wire.ErrChecksumNotReady, addr)
		} else {
			c.sendErr(wire.ErrInternal, addr)
		}
		return err
	}

	if _, err := f.Seek(int64(req.Offset), io.SeekStart); err != nil {
		f.Close()
		c.sendErr(wire.ErrInternal, addr)
		return err
	}

	c.file = f
	c.reader = bufio.NewReaderSize(f, fileReaderBufferSize)
	c.fileSize = fileSize
	c.checksum = checksum

	c.writeTo(wire.EncodeAcc(wire.Acc{ConnectionID: c.id, FileSize: fileSize, Checksum: checksum}), addr)
	c.rttSampleTime = time.Now()
	c.log.Debug("handshake concluído", zap.Stringer("client_addr", addr), zap.Uint64("file_size", fileSize))
	if m := c.deps.Metrics; m != nil {
		m.ConnectionsAdmitted.Inc()
		m.ActiveConnections.Inc()
	}
	return nil
}

func (c *Connection) sendErr(code wire.ErrorCode, addr *net.UDPAddr) {
	c.writeTo(wire.EncodeErr(wire.Err{Code: code, ConnectionID: 0}), addr)
}

func (c *Connection) writeTo(b []byte, addr *net.UDPAddr) {
	if _, err := c.deps.Socket.WriteTo(b, addr); err != nil {
		c.log.Warn("falha ao enviar pacote", zap.Error(err))
	}
}

// serve roda o laço de recebimento/retransmissão até a conclusão, erro ou
// timeout absoluto (spec §4.5 "Serving loop").
func (c *Connection) serve(ctx context.Context) {
	defer func() {
		if c.file != nil {
			c.file.Close()
		}
	}()
	defer func() {
		if m := c.deps.Metrics; m != nil {
			m.ActiveConnections.Dec()
		}
	}()

	for {
		rtt := c.deps.PathCache.CurrentRTT(c.clientAddr)
		timer := time.NewTimer(timing.DataRetransmissionTimeout(rtt))

		select {
		case <-ctx.Done():
			timer.Stop()
			c.recordTermination(false)
			return
		case in, ok := <-c.inbound:
			timer.Stop()
			if !ok {
				c.recordTermination(false)
				return
			}
			if in.pkt.Type == wire.TypeAck {
				c.handleAck(in.pkt.Ack, in.addr)
				if c.transferFinished() {
					c.recordTermination(true)
					return
				}
				c.sendData()
			}
		case <-timer.C:
			if time.Now().After(c.connectionTimeout) {
				c.log.Debug("conexão expirou por timeout absoluto")
				if m := c.deps.Metrics; m != nil {
					m.ConnectionsTimedOut.Inc()
				}
				return
			}
			c.deps.PathCache.ResetCongestionWindow(c.clientAddr)
			c.lastPacketSent = maxInt64(c.lastPacketAcknowledged(), -1)
			c.sendData()
		}
	}
}

// recordTermination conta a conexão como Completed (transferência terminada
// com sucesso) ou Errored (contexto cancelado ou canal de entrada fechado
// antes da conclusão).
func (c *Connection) recordTermination(completed bool) {
	m := c.deps.Metrics
	if m == nil {
		return
	}
	if completed {
		m.ConnectionsCompleted.Inc()
	} else {
		m.ConnectionsErrored.Inc()
	}
}

// handleAck aplica spec §4.5 "ACK handling".
func (c *Connection) handleAck(ack wire.Ack, srcAddr *net.UDPAddr) {
	if m := c.deps.Metrics; m != nil {
		m.AcksReceived.Inc()
	}
	c.resetConnectionTimeout()

	if srcAddr.String() != c.clientAddr.String() {
		c.log.Debug("conexão migrada", zap.Stringer("de", c.clientAddr), zap.Stringer("para", srcAddr))
		c.clientAddr = srcAddr
	}

	next := int64(ack.NextSequenceNumber)
	rangeStart := c.lastForwardAck + 1
	rangeEnd := c.lastPacketSent + 2

	switch {
	case next < rangeStart:
		// abaixo do intervalo esperado
		if next == 0 {
			// ACK 0 duplicado nunca é tratado como perda (spec §4.5 tie-break).
			return
		}
		if next == c.lastForwardAck {
			now := time.Now()
			if now.After(c.packetLossTimeout) {
				rtt := c.deps.PathCache.CurrentRTT(c.clientAddr)
				c.packetLossTimeout = now.Add(timing.PacketLossTimeout(rtt))
				c.deps.PathCache.DecreaseCongestionWindow(c.clientAddr)
				c.lastPacketSent = c.lastPacketAcknowledged()
				if m := c.deps.Metrics; m != nil {
					m.DuplicateAcks.Inc()
				}
			}
		}
		// qualquer outro valor abaixo do intervalo é obsoleto: ignorado.
	case next >= rangeEnd:
		// acima do intervalo: pode ocorrer após migração ou cruzamento de
		// retransmissões; ignorado.
	default:
		c.clientReceiveWindow = ack.ReceiveWindow
		if next > c.rttSampleSeq {
			sample := time.Since(c.rttSampleTime)
			c.deps.PathCache.ApplyRTTSample(c.clientAddr, sample)
		}
		c.lastForwardAck = next
		c.sendBuffer.DropBefore(ack.NextSequenceNumber)
		if next != 0 && c.deps.PathCache.CongestionWindow(c.clientAddr) < float64(c.clientReceiveWindow) {
			c.deps.PathCache.IncreaseCongestionWindow(c.clientAddr)
		}
	}
}

func (c *Connection) resetConnectionTimeout() {
	rtt := c.deps.PathCache.CurrentRTT(c.clientAddr)
	c.connectionTimeout = time.Now().Add(timing.ConnectionTimeout(rtt))
}

// lastPacketAcknowledged é last_forward_ack - 1; -2 antes de qualquer ACK.
func (c *Connection) lastPacketAcknowledged() int64 {
	return c.lastForwardAck - 1
}

// maxWindow é min(congestion_window, client_receive_window), com a janela
// de congestão truncada para inteiro (spec §3 invariante 3).
func (c *Connection) maxWindow() int64 {
	cwnd := int64(c.deps.PathCache.CongestionWindow(c.clientAddr))
	rwnd := int64(c.clientReceiveWindow)
	if cwnd < rwnd {
		return cwnd
	}
	return rwnd
}

func (c *Connection) effectiveWindow() int64 {
	return c.maxWindow() - (c.lastPacketSent - c.lastPacketAcknowledged())
}

// sendData emite pacotes Data enquanto a janela efetiva permitir (spec
// §4.5 "Data emission").
func (c *Connection) sendData() {
	for c.effectiveWindow() > 0 {
		seq := uint64(c.lastPacketSent + 1)
		if buf, ok := c.sendBuffer.Get(seq); ok {
			c.writeTo(buf, c.clientAddr)
			c.log.Debug("retransmitiu Data", zap.Uint64("seq", seq))
			if m := c.deps.Metrics; m != nil {
				m.DataPacketsSent.Inc()
				m.Retransmissions.Inc()
				m.BytesSent.Add(float64(len(buf) - wire.DataHeaderSize))
			}
		} else {
			payload, eof, err := c.readNextChunk()
			if err != nil {
				c.log.Error("erro de leitura do arquivo", zap.Error(err))
				c.sendErr(wire.ErrInternal, c.clientAddr)
				return
			}
			if eof {
				return
			}
			slot := c.sendBuffer.Add()
			*slot = wire.EncodeData(*slot, c.id, seq, payload)
			c.writeTo(*slot, c.clientAddr)
			c.log.Debug("enviou Data", zap.Uint64("seq", seq), zap.Int("bytes", len(payload)))
			if m := c.deps.Metrics; m != nil {
				m.DataPacketsSent.Inc()
				m.BytesSent.Add(float64(len(payload)))
			}
		}
		c.lastPacketSent = int64(seq)
		if c.lastPacketAcknowledged() >= c.rttSampleSeq {
			c.rttSampleSeq = int64(seq)
			c.rttSampleTime = time.Now()
		}
	}
}

// readNextChunk lê até maxPacketSize-DataHeaderSize bytes do arquivo.
// eof=true quando o arquivo acabou.
func (c *Connection) readNextChunk() (payload []byte, eof bool, err error) {
	maxData := int(c.maxPacketSize) - wire.DataHeaderSize
	buf := make([]byte, maxData)
	n, err := c.reader.Read(buf)
	if n == 0 {
		if errors.Is(err, io.EOF) || err == nil {
			return nil, true, nil
		}
		return nil, false, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	return buf[:n], false, nil
}

// eof reporta se o arquivo foi lido até o fim (pode ainda haver pacotes
// não confirmados no buffer de envio).
func (c *Connection) eof() bool {
	_, err := c.reader.Peek(1)
	return errors.Is(err, io.EOF)
}

func (c *Connection) transferFinished() bool {
	return c.eof() && c.sendBuffer.Len() == 0
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
