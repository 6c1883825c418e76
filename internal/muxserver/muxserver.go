// Package muxserver demultiplexa datagramas UDP recebidos para Connections
// (spec §4.6): admite novas conexões a partir de pacotes Req e roteia os
// demais pacotes pela tabela TTL de connection_id.
package muxserver

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"soft/internal/checksumcache"
	"soft/internal/connection"
	"soft/internal/metrics"
	"soft/internal/pathcache"
	"soft/internal/sandbox"
	"soft/internal/timing"
	"soft/internal/wire"
)

// MaxSimultaneousConnections é o teto de conexões ativas (spec §4.6).
const MaxSimultaneousConnections = 100

// receiveBufferSize acomoda o maior datagrama possível.
const receiveBufferSize = wire.MaxPacketSize

// Server é o multiplexador UDP do servidor: um socket, uma tabela TTL de
// conexões ativas e as dependências compartilhadas por todas elas. socket
// é net.PacketConn (não *net.UDPConn) para que internal/lossnet possa
// envolvê-lo em testes/harness sem mudar o protocolo (spec §9).
type Server struct {
	socket net.PacketConn
	log    *zap.Logger

	pathCache     *pathcache.Cache
	checksumCache *checksumcache.Cache
	sandbox       *sandbox.Sandbox
	metrics       *metrics.Server

	connections *gocache.Cache
	rng         *rand.Rand

	// recency rastreia a ordem de atividade mais recente por connection_id,
	// para impor MaxSimultaneousConnections evictando a menos ativa quando
	// o limite é atingido (spec §4.6, "least-recently-active entry").
	recencyMu sync.Mutex
	recency   []uint32

	listEnabled bool
}

// New cria um multiplexador ligado a socket, servindo root através de uma
// Sandbox. log pode ser nil (usa zap.NewNop()).
func New(socket net.PacketConn, root string, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sb, err := sandbox.New(root)
	if err != nil {
		return nil, err
	}
	return &Server{
		socket:        socket,
		log:           log,
		pathCache:     pathcache.New(log),
		checksumCache: checksumcache.New(),
		sandbox:       sb,
		connections:   gocache.New(timing.ConnectionTimeout(timing.InitialRTT), time.Minute),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// WithMetrics liga um coletor de métricas Prometheus a este servidor e a
// todas as Connections admitidas a partir desta chamada. Opcional: sem
// chamá-lo, a coleta fica desligada (connection.Deps.Metrics == nil).
func (s *Server) WithMetrics(m *metrics.Server) *Server {
	s.metrics = m
	return s
}

// WithList habilita a extensão opt-in de listagem de diretório (List/Lst).
// Sem chamá-la, um pacote List recebido é silenciosamente descartado como
// qualquer tipo desconhecido ao contexto, mantendo o formato de fio de
// cinco tipos da spec §6 como comportamento padrão.
func (s *Server) WithList() *Server {
	s.listEnabled = true
	return s
}

// Serve roda o laço de recepção até que ctx seja cancelado ou o socket
// falhe de forma irrecuperável. Espelha o encerramento gracioso descrito
// em spec §5: cancelar ctx interrompe a leitura, e as Connections ativas,
// que recebem o mesmo ctx, encerram ao observar seu cancelamento.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.socket.Close()
	}()

	buf := make([]byte, receiveBufferSize)
	for {
		n, rawAddr, err := s.socket.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn("erro ao ler do socket", zap.Error(err))
				return err
			}
		}
		addr, ok := rawAddr.(*net.UDPAddr)
		if !ok {
			s.log.Debug("descartando datagrama de endereço não-UDP", zap.Stringer("addr", rawAddr))
			continue
		}
		s.handleDatagram(ctx, append([]byte(nil), buf[:n]...), addr)
	}
}

func (s *Server) handleDatagram(ctx context.Context, raw []byte, addr *net.UDPAddr) {
	pkt, err := wire.Parse(raw)
	if err != nil {
		var verErr wire.UnsupportedVersionError
		if errors.As(err, &verErr) {
			// exceção à política de "descartar sem resposta" (spec §7):
			// um byte de versão incompatível produz Err(UnsupportedVersion).
			s.socket.WriteTo(wire.EncodeErr(wire.Err{Code: wire.ErrUnsupportedVersion, ConnectionID: 0}), addr)
		}
		s.log.Debug("pacote descartado", zap.Error(err), zap.Stringer("addr", addr))
		return
	}

	if pkt.Type == wire.TypeReq {
		s.admit(ctx, pkt.Req, addr)
		return
	}

	if pkt.Type == wire.TypeList {
		s.handleList(addr)
		return
	}

	connID := connectionID(pkt)
	v, ok := s.connections.Get(key(connID))
	if !ok {
		s.log.Debug("pacote para conexão desconhecida descartado", zap.Uint32("connection_id", connID))
		return
	}
	conn := v.(*connection.Connection)
	if conn.Stopped() {
		return
	}
	conn.Deliver(pkt, addr)
	s.connections.Set(key(connID), conn, timing.ConnectionTimeout(s.pathCache.CurrentRTT(addr)))
	s.touch(connID)
}

// touch marca connID como o mais recentemente ativo.
func (s *Server) touch(connID uint32) {
	s.recencyMu.Lock()
	defer s.recencyMu.Unlock()
	for i, id := range s.recency {
		if id == connID {
			s.recency = append(s.recency[:i], s.recency[i+1:]...)
			break
		}
	}
	s.recency = append(s.recency, connID)
}

// evictLeastActiveIfFull remove a conexão menos recentemente ativa quando
// a tabela atinge MaxSimultaneousConnections, abrindo espaço para a nova
// admissão (spec §4.6).
func (s *Server) evictLeastActiveIfFull() {
	s.recencyMu.Lock()
	defer s.recencyMu.Unlock()
	if len(s.recency) < MaxSimultaneousConnections {
		return
	}
	oldest := s.recency[0]
	s.recency = s.recency[1:]
	s.connections.Delete(key(oldest))
	s.log.Debug("conexão menos ativa evictada por limite de capacidade", zap.Uint32("connection_id", oldest))
}

func connectionID(pkt wire.Packet) uint32 {
	switch pkt.Type {
	case wire.TypeAck:
		return pkt.Ack.ConnectionID
	case wire.TypeErr:
		return pkt.Err.ConnectionID
	default:
		return 0
	}
}

func key(connID uint32) string {
	return strconv.FormatUint(uint64(connID), 16)
}

// handleList responde a um pacote List com os nomes servíveis no diretório
// raiz, se a extensão tiver sido habilitada via WithList. Se não, o pacote
// já chegou até aqui apenas porque seu tipo é reconhecido pelo codec; sem
// --list ele é descartado sem resposta, igual a qualquer pacote fora de
// contexto (spec §7).
func (s *Server) handleList(addr *net.UDPAddr) {
	if !s.listEnabled {
		s.log.Debug("List recebido mas extensão desabilitada; descartado", zap.Stringer("addr", addr))
		return
	}
	names, err := s.sandbox.List()
	if err != nil {
		s.log.Warn("falha ao listar diretório servido", zap.Error(err))
		return
	}
	s.socket.WriteTo(wire.EncodeLst(wire.Lst{Names: names}), addr)
}

// admit cria uma nova Connection para um Req recebido, negocia
// max_packet_size e, em caso de handshake bem-sucedido, a registra na
// tabela TTL sob um connection_id aleatório sem colisão (spec §4.6).
func (s *Server) admit(ctx context.Context, req wire.Req, addr *net.UDPAddr) {
	if !wire.ValidFilenameLen(req.FileName) {
		s.log.Debug("Req com nome de arquivo inválido descartado", zap.Stringer("addr", addr))
		return
	}

	connID := s.generateConnectionID()
	maxPacketSize := wire.ClampMaxPacketSize(req.MaxPacketSize)

	deps := connection.Deps{
		Socket:        s.socket,
		PathCache:     s.pathCache,
		ChecksumCache: s.checksumCache,
		Sandbox:       s.sandbox,
		Log:           s.log,
		Metrics:       s.metrics,
	}
	conn := connection.New(connID, deps, maxPacketSize)

	ready := make(chan error, 1)
	go conn.Run(ctx, req, addr, ready)

	go func() {
		if err := <-ready; err != nil {
			s.log.Debug("handshake falhou, conexão não registrada", zap.Error(err), zap.Uint32("connection_id", connID))
			return
		}
		s.evictLeastActiveIfFull()
		s.connections.Set(key(connID), conn, timing.ConnectionTimeout(timing.InitialRTT))
		s.touch(connID)
		s.log.Info("nova conexão admitida", zap.Uint32("connection_id", connID), zap.Stringer("addr", addr))
	}()
}

func (s *Server) generateConnectionID() uint32 {
	for {
		id := s.rng.Uint32()
		if _, ok := s.connections.Get(key(id)); !ok {
			return id
		}
	}
}

// LocalAddr expõe o endereço local do socket, útil para testes e logs.
func (s *Server) LocalAddr() net.Addr {
	return s.socket.LocalAddr()
}
