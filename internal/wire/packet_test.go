package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReqRoundTrip(t *testing.T) {
	req := Req{MaxPacketSize: 512, Offset: 128, FileName: "hello.txt"}
	buf := EncodeReq(req)
	pkt, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeReq, pkt.Type)
	assert.Equal(t, req, pkt.Req)
}

func TestAccRoundTrip(t *testing.T) {
	var sum [32]byte
	for i := range sum {
		sum[i] = byte(i)
	}
	acc := Acc{ConnectionID: 42, FileSize: 1 << 20, Checksum: sum}
	pkt, err := Parse(EncodeAcc(acc))
	require.NoError(t, err)
	assert.Equal(t, TypeAcc, pkt.Type)
	assert.Equal(t, acc, pkt.Acc)
}

func TestDataRoundTripReusesBuffer(t *testing.T) {
	var scratch []byte
	scratch = EncodeData(scratch, 7, 3, []byte("test"))
	pkt, err := Parse(scratch)
	require.NoError(t, err)
	require.Equal(t, TypeData, pkt.Type)
	assert.Equal(t, uint32(7), pkt.Data.ConnectionID)
	assert.Equal(t, uint64(3), pkt.Data.SequenceNumber)
	assert.Equal(t, []byte("test"), pkt.Data.Payload)

	// reaproveitando o mesmo buffer subjacente para outro segmento
	before := cap(scratch)
	scratch = EncodeData(scratch, 7, 4, []byte("ab"))
	assert.Equal(t, before, cap(scratch), "não deveria realocar quando cap já comporta o payload")
}

func TestAckRoundTrip(t *testing.T) {
	ack := Ack{ReceiveWindow: 64, ConnectionID: 9, NextSequenceNumber: 100}
	pkt, err := Parse(EncodeAck(ack))
	require.NoError(t, err)
	assert.Equal(t, ack, pkt.Ack)
}

func TestErrRoundTrip(t *testing.T) {
	e := Err{Code: ErrChecksumNotReady, ConnectionID: 0}
	pkt, err := Parse(EncodeErr(e))
	require.NoError(t, err)
	assert.Equal(t, e, pkt.Err)
}

func TestListRoundTrip(t *testing.T) {
	pkt, err := Parse(EncodeList())
	require.NoError(t, err)
	assert.Equal(t, TypeList, pkt.Type)
}

func TestLstRoundTrip(t *testing.T) {
	lst := Lst{Names: []string{"a.txt", "b.bin", "c"}}
	pkt, err := Parse(EncodeLst(lst))
	require.NoError(t, err)
	assert.Equal(t, TypeLst, pkt.Type)
	assert.Equal(t, lst, pkt.Lst)
}

func TestLstRoundTripEmpty(t *testing.T) {
	pkt, err := Parse(EncodeLst(Lst{}))
	require.NoError(t, err)
	assert.Equal(t, TypeLst, pkt.Type)
	assert.Empty(t, pkt.Lst.Names)
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	buf := EncodeReq(Req{MaxPacketSize: 10, FileName: "x"})
	buf[0] = 2
	_, err := Parse(buf)
	var verErr UnsupportedVersionError
	require.ErrorAs(t, err, &verErr)
	assert.Equal(t, uint8(2), verErr.Version)
}

func TestParseRejectsShortBuffer(t *testing.T) {
	_, err := Parse([]byte{Version, byte(TypeAck), 0})
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte{Version, 200, 0, 0})
	assert.Error(t, err)
}

func TestClampMaxPacketSize(t *testing.T) {
	assert.Equal(t, uint16(100), ClampMaxPacketSize(100))
	assert.Equal(t, uint16(MaxPacketSize), ClampMaxPacketSize(65535))
}

func TestValidFilenameLen(t *testing.T) {
	assert.False(t, ValidFilenameLen(""))
	assert.True(t, ValidFilenameLen("a"))
	assert.True(t, ValidFilenameLen(string(make([]byte, MaxFilenameLen))))
	assert.False(t, ValidFilenameLen(string(make([]byte, MaxFilenameLen+1))))
}
