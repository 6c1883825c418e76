// Package pathcache mantém, por endereço remoto, o estado de congestão e
// RTT suavizado usado pelo controle de fluxo do servidor (spec §4.2),
// expirando entradas ociosas via TTL.
package pathcache

import (
	"math"
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"soft/internal/timing"
)

const (
	initialCongestionWindow   = 1.0
	initialAvoidanceThreshold = math.MaxFloat64
	congestionAlpha           = 1.0
	congestionBeta            = 0.5
	rttSmoothingGamma         = 0.5

	// InitialRTT é o RTT assumido antes de qualquer amostra (spec §4.2).
	InitialRTT = timing.InitialRTT

	cleanupInterval = time.Minute
)

type state struct {
	congestionWindow    float64
	avoidanceThreshold  float64
	smoothedRTT         time.Duration
	isInitial           bool
}

func initialState() state {
	return state{
		congestionWindow:   initialCongestionWindow,
		avoidanceThreshold: initialAvoidanceThreshold,
		smoothedRTT:        InitialRTT,
		isInitial:          true,
	}
}

func (s state) isSlowStart() bool { return s.congestionWindow < s.avoidanceThreshold }

// ttl calcula max(20*rtt, 5s), o período de inatividade após o qual a
// entrada de um endereço remoto pode ser descartada (spec §4.2).
func ttl(rtt time.Duration) time.Duration {
	return timing.ConnectionTimeout(rtt)
}

// Cache armazena um state por endereço remoto com expiração por TTL.
type Cache struct {
	c   *gocache.Cache
	log *zap.Logger
}

// New cria um path cache vazio. log pode ser nil (usa zap.NewNop()).
func New(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{c: gocache.New(gocache.NoExpiration, cleanupInterval), log: log}
}

func key(addr net.Addr) string { return addr.String() }

func (c *Cache) get(addr net.Addr) state {
	if v, ok := c.c.Get(key(addr)); ok {
		return v.(state)
	}
	return initialState()
}

func (c *Cache) put(addr net.Addr, s state) {
	c.c.Set(key(addr), s, ttl(s.smoothedRTT))
}

// CurrentRTT retorna o RTT suavizado atual, ou InitialRTT se desconhecido.
func (c *Cache) CurrentRTT(addr net.Addr) time.Duration {
	return c.get(addr).smoothedRTT
}

// CongestionWindow retorna a janela de congestão atual (arredondada para
// baixo ao convertê-la para inteiro pelo chamador, se necessário).
func (c *Cache) CongestionWindow(addr net.Addr) float64 {
	return c.get(addr).congestionWindow
}

// ApplyRTTSample adota a amostra diretamente na primeira medição; depois
// disso aplica média móvel exponencial com gamma=0.5.
func (c *Cache) ApplyRTTSample(addr net.Addr, sample time.Duration) {
	s := c.get(addr)
	if s.isInitial {
		s.smoothedRTT = sample
		s.isInitial = false
	} else {
		s.smoothedRTT = time.Duration(float64(s.smoothedRTT)*rttSmoothingGamma + float64(sample)*(1-rttSmoothingGamma))
	}
	c.put(addr, s)
}

// IncreaseCongestionWindow soma 1 durante slow start, ou 1/cwnd durante
// avoidance. O chamador só deve invocar isto quando cwnd < receive window.
func (c *Cache) IncreaseCongestionWindow(addr net.Addr) {
	s := c.get(addr)
	wasSlowStart := s.isSlowStart()
	if wasSlowStart {
		s.congestionWindow += congestionAlpha
		if !s.isSlowStart() {
			c.log.Debug("entrando em fase de avoidance", zap.Stringer("addr", addr), zap.String("phase", "avoidance"))
		}
	} else {
		s.congestionWindow += 1.0 / s.congestionWindow
	}
	c.put(addr, s)
}

// DecreaseCongestionWindow reduz cwnd pela metade (piso 1.0) e ajusta o
// limiar de avoidance para o novo valor de cwnd. Chamado em perda única.
func (c *Cache) DecreaseCongestionWindow(addr net.Addr) {
	s := c.get(addr)
	s.congestionWindow = math.Max(s.congestionWindow*congestionBeta, 1.0)
	s.avoidanceThreshold = s.congestionWindow
	c.put(addr, s)
}

// ResetCongestionWindow volta a slow start após um timeout de retransmissão.
func (c *Cache) ResetCongestionWindow(addr net.Addr) {
	s := c.get(addr)
	if !s.isSlowStart() {
		s.avoidanceThreshold = s.congestionWindow * congestionBeta
		s.congestionWindow = initialCongestionWindow
		c.log.Debug("entrando em fase de slow start", zap.Stringer("addr", addr), zap.String("phase", "slow_start"))
	}
	c.put(addr, s)
}
