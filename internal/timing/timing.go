// Package timing computa os prazos derivados de RTT compartilhados pelo
// servidor e pelo cliente (spec §4.2, §4.5, §4.7, §5).
package timing

import (
	"time"
)

// InitialRTT é o RTT assumido antes de qualquer amostra.
const InitialRTT = 3 * time.Second

const minConnectionTimeout = 5 * time.Second

// DataRetransmissionTimeout é o prazo do servidor para retransmitir Data
// na ausência de qualquer pacote de entrada (spec §4.5, §5): 2*rtt, com
// piso de 100ms (toda recepção bloqueante tem esse piso de deadline).
func DataRetransmissionTimeout(rtt time.Duration) time.Duration {
	d := 2 * rtt
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

// AckRetransmissionTimeout é o prazo do cliente para reemitir o último Ack
// na ausência de Data (spec §4.7): 3*rtt, com piso de 100ms.
func AckRetransmissionTimeout(rtt time.Duration) time.Duration {
	d := 3 * rtt
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

// PacketLossTimeout limita a taxa de reação a ACKs duplicados (spec §4.5).
func PacketLossTimeout(rtt time.Duration) time.Duration {
	return 2 * rtt
}

// ConnectionTimeout é o prazo absoluto de expiração de uma conexão desde
// o último Ack válido (spec §4.5, §5): max(20*rtt, 5s).
func ConnectionTimeout(rtt time.Duration) time.Duration {
	d := 20 * rtt
	if d < minConnectionTimeout {
		return minConnectionTimeout
	}
	return d
}
