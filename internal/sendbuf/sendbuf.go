// Package sendbuf mantém, por conexão de servidor, os pacotes Data já
// transmitidos e ainda não confirmados, para possibilitar retransmissão
// sem reler o arquivo (spec §4.4). Uma fila em slice indexada por
// front_sequence_number guarda os buffers pendentes, e os slices
// liberados por DropBefore são reaproveitados em vez de descartados,
// evitando alocação por pacote enviado.
package sendbuf

// Buffer guarda os segmentos Data emitidos desde o último Ack cumulativo
// aplicado via DropBefore.
type Buffer struct {
	memoryCache         [][]byte
	packets             [][]byte
	frontSequenceNumber uint64
}

// New cria um buffer de envio vazio, começando em sequência 0.
func New() *Buffer {
	return &Buffer{}
}

// Add reserva o próximo slot na fila (reaproveitando um slice do cache de
// memória, se houver um disponível) e devolve um ponteiro estável para que
// o chamador preencha o conteúdo in-place (ver wire.EncodeData).
func (b *Buffer) Add() *[]byte {
	var vec []byte
	if n := len(b.memoryCache); n > 0 {
		vec = b.memoryCache[n-1]
		b.memoryCache = b.memoryCache[:n-1]
	}
	b.packets = append(b.packets, vec)
	return &b.packets[len(b.packets)-1]
}

// Get retorna o pacote associado a sequenceNumber, ou ok=false se ele já
// foi descartado (confirmado) ou ainda não foi adicionado.
func (b *Buffer) Get(sequenceNumber uint64) (pkt []byte, ok bool) {
	if sequenceNumber < b.frontSequenceNumber {
		return nil, false
	}
	idx := sequenceNumber - b.frontSequenceNumber
	if idx >= uint64(len(b.packets)) {
		return nil, false
	}
	return b.packets[idx], true
}

// DropBefore descarta todos os pacotes com sequência < nextSequenceNumber,
// devolvendo seus slices ao cache de memória para reuso em Add futuros.
func (b *Buffer) DropBefore(nextSequenceNumber uint64) {
	for len(b.packets) > 0 && nextSequenceNumber > b.frontSequenceNumber {
		vec := b.packets[0]
		b.packets = b.packets[1:]
		b.memoryCache = append(b.memoryCache, vec[:0])
		b.frontSequenceNumber++
	}
}

// Len retorna quantos pacotes ainda não confirmados estão no buffer.
func (b *Buffer) Len() uint64 {
	return uint64(len(b.packets))
}

// FrontSequenceNumber é a sequência do pacote mais antigo ainda no buffer.
func (b *Buffer) FrontSequenceNumber() uint64 {
	return b.frontSequenceNumber
}
