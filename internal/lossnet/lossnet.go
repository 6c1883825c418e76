// Package lossnet injeta perda de pacotes simulada na borda de saída de um
// net.PacketConn, para exercitar retransmissão e controle de congestão sem
// depender de uma rede real (spec §9 "loss-simulation socket wrapper").
package lossnet

import (
	"math/rand"
	"net"
	"sync"
)

// Conn envolve um net.PacketConn e descarta pacotes de saída segundo um
// modelo de Markov de dois estados: "good" (sem perdas) e "bad" (descarta
// tudo). p é a probabilidade de transição good→bad a cada pacote; q é a
// probabilidade de transição bad→good. Implementa o mesmo contrato de
// envio/recebimento usado pelo caminho de produção, então pode substituir
// o socket real em testes sem mudar o protocolo.
type Conn struct {
	net.PacketConn
	rng *rand.Rand
	p, q float64

	mu  sync.Mutex
	bad bool
}

// Wrap cria um Conn que descarta pacotes segundo o modelo de dois estados
// parametrizado por p (good→bad) e q (bad→good). seed torna o descarte
// reproduzível entre execuções de teste.
func Wrap(pc net.PacketConn, p, q float64, seed int64) *Conn {
	return &Conn{PacketConn: pc, rng: rand.New(rand.NewSource(seed)), p: p, q: q}
}

func (c *Conn) transitionAndDrop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bad {
		if c.rng.Float64() < c.q {
			c.bad = false
		}
	} else {
		if c.rng.Float64() < c.p {
			c.bad = true
		}
	}
	return c.bad
}

// WriteTo descarta o pacote (reportando sucesso ao chamador, como faria
// uma rede real que perde o datagrama silenciosamente) quando o estado
// correntemente amostrado é "bad".
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.transitionAndDrop() {
		return len(b), nil
	}
	return c.PacketConn.WriteTo(b, addr)
}

// SingleShot é uma política de descarte determinística por número de
// sequência, onde cada sequência só pode ser descartada uma única vez —
// útil para reproduzir em teste exatamente um cenário de retransmissão
// (spec §8, cenário 3), onde o primeiro Data(0) é perdido mas sua
// retransmissão deve chegar.
type SingleShot struct {
	rate    float64
	rnd     *rand.Rand
	dropped map[uint64]struct{}
}

// NewSingleShot cria uma política de descarte single-shot com a taxa dada.
// rate<=0 nunca descarta.
func NewSingleShot(rate float64, seed int64) *SingleShot {
	if rate <= 0 {
		return nil
	}
	return &SingleShot{rate: rate, rnd: rand.New(rand.NewSource(seed)), dropped: make(map[uint64]struct{})}
}

// ShouldDrop reporta se a sequência seq deve ser descartada agora. Uma vez
// descartada, a mesma sequência nunca mais será — simulando que a
// retransmissão sempre chega.
func (d *SingleShot) ShouldDrop(seq uint64) bool {
	if d == nil || d.rate <= 0 {
		return false
	}
	if _, already := d.dropped[seq]; already {
		return false
	}
	if d.rnd.Float64() < d.rate {
		d.dropped[seq] = struct{}{}
		return true
	}
	return false
}
