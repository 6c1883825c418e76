// Package wire define o formato binário dos cinco tipos de pacote do
// protocolo SOFT e as rotinas de empacotamento/desempacotamento.
//
// - Aplicação: Req/Acc/Data/Ack/Err trafegam como um único datagrama UDP.
// - Transporte: UDP (sem confiabilidade nativa; a confiabilidade vem de
//   internal/connection e internal/client).
// - Rede: IP. O tamanho máximo de pacote respeita o payload UDP/IPv4.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version é a única versão de protocolo suportada por esta implementação.
const Version uint8 = 1

// Type identifica o tipo de pacote no segundo byte do cabeçalho comum.
type Type uint8

const (
	TypeReq  Type = 0
	TypeAcc  Type = 1
	TypeData Type = 2
	TypeAck  Type = 3
	TypeErr  Type = 4

	// TypeList e TypeLst formam a extensão de listagem de diretório: um
	// sexto par de tipos opt-in, fora das cinco mensagens centrais do
	// protocolo (spec §6), habilitado pelo servidor via --list.
	TypeList Type = 5
	TypeLst  Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeReq:
		return "Req"
	case TypeAcc:
		return "Acc"
	case TypeData:
		return "Data"
	case TypeAck:
		return "Ack"
	case TypeErr:
		return "Err"
	case TypeList:
		return "List"
	case TypeLst:
		return "Lst"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ErrorCode é o código transportado por um pacote Err.
type ErrorCode uint8

const (
	ErrStop               ErrorCode = 0
	ErrInternal           ErrorCode = 1
	ErrFileNotFound       ErrorCode = 2
	ErrBadPacket          ErrorCode = 3
	ErrChecksumNotReady   ErrorCode = 4
	ErrInvalidOffset      ErrorCode = 5
	ErrUnsupportedVersion ErrorCode = 6
	ErrFileChanged        ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case ErrStop:
		return "Stop"
	case ErrInternal:
		return "Internal"
	case ErrFileNotFound:
		return "FileNotFound"
	case ErrBadPacket:
		return "BadPacket"
	case ErrChecksumNotReady:
		return "ChecksumNotReady"
	case ErrInvalidOffset:
		return "InvalidOffset"
	case ErrUnsupportedVersion:
		return "UnsupportedVersion"
	case ErrFileChanged:
		return "FileChanged"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(c))
	}
}

// MaxPacketSize é o teto absoluto imposto pelo payload UDP/IPv4 (2^16 - 28).
const MaxPacketSize = 1<<16 - 28

// commonHeaderSize é o tamanho do prefixo version+type comum a todo pacote.
const commonHeaderSize = 2

// ReqHeaderSize é o offset onde o nome de arquivo começa em um pacote Req.
const ReqHeaderSize = 12

const (
	accOffConnID    = 4
	accOffFileSize  = 8
	accOffChecksum  = 16
	accFixedSize    = 16 + 32

	dataOffConnID  = 4
	dataOffSeq     = 8
	dataOffPayload = 16
	DataHeaderSize = dataOffPayload

	ackOffWindow = 2
	ackOffConnID = 4
	ackOffNext   = 8
	ackFixedSize = 16

	errOffCode  = 2
	errOffConnID = 4
	errFixedSize = 8
)

// MinFilenameLen e MaxFilenameLen limitam o nome de arquivo em um Req (§8).
const (
	MinFilenameLen = 1
	MaxFilenameLen = 484
)

// ErrShortBuffer sinaliza um datagrama curto demais para seu tipo declarado.
var ErrShortBuffer = errors.New("wire: buffer curto para o tipo declarado")

// UnsupportedVersionError é retornado quando o byte de versão não é 1.
type UnsupportedVersionError struct{ Version uint8 }

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("wire: versão de protocolo não suportada: %d", e.Version)
}

// Req é a mensagem inicial do cliente solicitando um arquivo a partir de offset.
type Req struct {
	MaxPacketSize uint16
	Offset        uint64
	FileName      string
}

// Acc é a resposta do servidor aceitando a conexão.
type Acc struct {
	ConnectionID uint32
	FileSize     uint64
	Checksum     [32]byte
}

// Data carrega um segmento de arquivo identificado por sequência.
type Data struct {
	ConnectionID   uint32
	SequenceNumber uint64
	Payload        []byte
}

// Ack confirma cumulativamente até NextSequenceNumber-1.
type Ack struct {
	ReceiveWindow      uint16
	ConnectionID       uint32
	NextSequenceNumber uint64
}

// Err comunica uma falha terminal (ou, para ChecksumNotReady, recuperável).
type Err struct {
	Code         ErrorCode
	ConnectionID uint32
}

// List pede ao servidor a lista de arquivos servíveis; não carrega campos
// além do cabeçalho comum.
type List struct{}

// Lst responde a um List com os nomes servíveis no diretório raiz.
type Lst struct {
	Names []string
}

// EncodeReq serializa um pacote Req.
func EncodeReq(r Req) []byte {
	buf := make([]byte, ReqHeaderSize+len(r.FileName))
	buf[0] = Version
	buf[1] = byte(TypeReq)
	binary.BigEndian.PutUint16(buf[2:4], r.MaxPacketSize)
	binary.BigEndian.PutUint64(buf[4:12], r.Offset)
	copy(buf[ReqHeaderSize:], r.FileName)
	return buf
}

// EncodeAcc serializa um pacote Acc.
func EncodeAcc(a Acc) []byte {
	buf := make([]byte, commonHeaderSize+accFixedSize)
	buf[0] = Version
	buf[1] = byte(TypeAcc)
	binary.BigEndian.PutUint32(buf[accOffConnID:], a.ConnectionID)
	binary.BigEndian.PutUint64(buf[accOffFileSize:], a.FileSize)
	copy(buf[accOffChecksum:], a.Checksum[:])
	return buf
}

// EncodeData serializa um pacote Data; buf é reaproveitável pelo chamador
// (ver internal/sendbuf) para evitar alocação no caminho de emissão.
func EncodeData(buf []byte, connID uint32, seq uint64, payload []byte) []byte {
	need := DataHeaderSize + len(payload)
	if cap(buf) < need {
		buf = make([]byte, need)
	} else {
		buf = buf[:need]
	}
	buf[0] = Version
	buf[1] = byte(TypeData)
	buf[2], buf[3] = 0, 0
	binary.BigEndian.PutUint32(buf[dataOffConnID:], connID)
	binary.BigEndian.PutUint64(buf[dataOffSeq:], seq)
	copy(buf[dataOffPayload:], payload)
	return buf
}

// EncodeAck serializa um pacote Ack.
func EncodeAck(a Ack) []byte {
	buf := make([]byte, commonHeaderSize+ackFixedSize)
	buf[0] = Version
	buf[1] = byte(TypeAck)
	binary.BigEndian.PutUint16(buf[ackOffWindow:], a.ReceiveWindow)
	binary.BigEndian.PutUint32(buf[ackOffConnID:], a.ConnectionID)
	binary.BigEndian.PutUint64(buf[ackOffNext:], a.NextSequenceNumber)
	return buf
}

// EncodeErr serializa um pacote Err.
func EncodeErr(e Err) []byte {
	buf := make([]byte, commonHeaderSize+errFixedSize)
	buf[0] = Version
	buf[1] = byte(TypeErr)
	buf[errOffCode] = byte(e.Code)
	buf[errOffCode+1] = 0
	binary.BigEndian.PutUint32(buf[errOffConnID:], e.ConnectionID)
	return buf
}

// EncodeList serializa um pacote List (somente o cabeçalho comum).
func EncodeList() []byte {
	return []byte{Version, byte(TypeList)}
}

// EncodeLst serializa um pacote Lst: uint16 de contagem seguido de pares
// (uint16 de comprimento, nome) para cada entrada.
func EncodeLst(l Lst) []byte {
	plen := 2
	for _, n := range l.Names {
		plen += 2 + len(n)
	}
	buf := make([]byte, commonHeaderSize+plen)
	buf[0] = Version
	buf[1] = byte(TypeLst)
	binary.BigEndian.PutUint16(buf[commonHeaderSize:], uint16(len(l.Names)))
	off := commonHeaderSize + 2
	for _, n := range l.Names {
		b := []byte(n)
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(b)))
		off += 2
		copy(buf[off:off+len(b)], b)
		off += len(b)
	}
	return buf
}

// Packet é uma visão tagueada sobre um pacote decodificado.
type Packet struct {
	Type Type
	Req  Req
	Acc  Acc
	Data Data
	Ack  Ack
	Err  Err
	List List
	Lst  Lst
}

// Parse decodifica o prefixo comum e delega ao decodificador do tipo.
// Retorna UnsupportedVersionError se version != 1, ErrShortBuffer se o
// buffer for curto demais para o tipo declarado, ou um erro genérico se
// o byte de tipo estiver fora do intervalo conhecido.
func Parse(b []byte) (Packet, error) {
	if len(b) < commonHeaderSize {
		return Packet{}, ErrShortBuffer
	}
	if b[0] != Version {
		return Packet{}, UnsupportedVersionError{Version: b[0]}
	}
	switch Type(b[1]) {
	case TypeReq:
		return parseReq(b)
	case TypeAcc:
		return parseAcc(b)
	case TypeData:
		return parseData(b)
	case TypeAck:
		return parseAck(b)
	case TypeErr:
		return parseErr(b)
	case TypeList:
		return Packet{Type: TypeList}, nil
	case TypeLst:
		return parseLst(b)
	default:
		return Packet{}, fmt.Errorf("wire: tipo de pacote desconhecido: %d", b[1])
	}
}

func parseLst(b []byte) (Packet, error) {
	if len(b) < commonHeaderSize+2 {
		return Packet{}, ErrShortBuffer
	}
	count := int(binary.BigEndian.Uint16(b[commonHeaderSize:]))
	names := make([]string, 0, count)
	off := commonHeaderSize + 2
	for i := 0; i < count; i++ {
		if off+2 > len(b) {
			return Packet{}, ErrShortBuffer
		}
		n := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+n > len(b) {
			return Packet{}, ErrShortBuffer
		}
		names = append(names, string(b[off:off+n]))
		off += n
	}
	return Packet{Type: TypeLst, Lst: Lst{Names: names}}, nil
}

func parseReq(b []byte) (Packet, error) {
	if len(b) < ReqHeaderSize+MinFilenameLen {
		return Packet{}, ErrShortBuffer
	}
	r := Req{
		MaxPacketSize: binary.BigEndian.Uint16(b[2:4]),
		Offset:        binary.BigEndian.Uint64(b[4:12]),
		FileName:      string(b[ReqHeaderSize:]),
	}
	return Packet{Type: TypeReq, Req: r}, nil
}

func parseAcc(b []byte) (Packet, error) {
	if len(b) < commonHeaderSize+accFixedSize {
		return Packet{}, ErrShortBuffer
	}
	a := Acc{
		ConnectionID: binary.BigEndian.Uint32(b[accOffConnID:]),
		FileSize:     binary.BigEndian.Uint64(b[accOffFileSize:]),
	}
	copy(a.Checksum[:], b[accOffChecksum:accOffChecksum+32])
	return Packet{Type: TypeAcc, Acc: a}, nil
}

func parseData(b []byte) (Packet, error) {
	if len(b) < DataHeaderSize {
		return Packet{}, ErrShortBuffer
	}
	d := Data{
		ConnectionID:   binary.BigEndian.Uint32(b[dataOffConnID:]),
		SequenceNumber: binary.BigEndian.Uint64(b[dataOffSeq:]),
		Payload:        b[dataOffPayload:],
	}
	return Packet{Type: TypeData, Data: d}, nil
}

func parseAck(b []byte) (Packet, error) {
	if len(b) < commonHeaderSize+ackFixedSize {
		return Packet{}, ErrShortBuffer
	}
	a := Ack{
		ReceiveWindow:      binary.BigEndian.Uint16(b[ackOffWindow:]),
		ConnectionID:       binary.BigEndian.Uint32(b[ackOffConnID:]),
		NextSequenceNumber: binary.BigEndian.Uint64(b[ackOffNext:]),
	}
	return Packet{Type: TypeAck, Ack: a}, nil
}

func parseErr(b []byte) (Packet, error) {
	if len(b) < commonHeaderSize+errFixedSize {
		return Packet{}, ErrShortBuffer
	}
	e := Err{
		Code:         ErrorCode(b[errOffCode]),
		ConnectionID: binary.BigEndian.Uint32(b[errOffConnID:]),
	}
	return Packet{Type: TypeErr, Err: e}, nil
}

// ClampMaxPacketSize aplica o teto min(requested, MaxPacketSize), usado
// na negociação de max_packet_size pelo servidor.
func ClampMaxPacketSize(requested uint16) uint16 {
	if int(requested) > MaxPacketSize {
		return MaxPacketSize
	}
	return requested
}

// ValidFilenameLen reporta se o comprimento do nome respeita [1, 484].
func ValidFilenameLen(name string) bool {
	n := len(name)
	return n >= MinFilenameLen && n <= MaxFilenameLen
}
