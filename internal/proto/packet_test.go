package proto

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadExchange(t *testing.T) {
	dst := make([]byte, 16)
	req := NewReadPacket(7, 1025, 512, dst[:16], 16, 4096)

	var wire bytes.Buffer
	require.NoError(t, req.WriteTo(&wire))
	assert.Equal(t, HeaderSize, wire.Len())

	// The "storage node" parses the request and replies with payload.
	got, err := ReadRequest(&wire)
	require.NoError(t, err)
	assert.Equal(t, OpExtentRead, got.Opcode)
	assert.Equal(t, uint64(7), got.PartitionID)
	assert.Equal(t, uint64(1025), got.ExtentID)
	assert.Equal(t, int64(512), got.ExtentOffset)
	assert.Equal(t, uint32(16), got.Size)
	assert.Equal(t, uint64(4096), got.KernelOffset)
	assert.Equal(t, req.ReqID, got.ReqID)

	payload := []byte("0123456789abcdef")
	require.NoError(t, got.WriteReply(&wire, payload))

	n, err := req.ReadReply(&wire)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, payload, dst)
}

func TestReadReplyShortPayload(t *testing.T) {
	dst := make([]byte, 32)
	req := NewReadPacket(1, 2, 0, dst[:32], 32, 0)

	var wire bytes.Buffer
	node := *req
	require.NoError(t, node.WriteReply(&wire, []byte("short")))

	n, err := req.ReadReply(&wire)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestReadReplyRejectsMismatch(t *testing.T) {
	dst := make([]byte, 8)

	t.Run("wrong request id", func(t *testing.T) {
		req := NewReadPacket(1, 2, 0, dst[:8], 8, 0)
		other := *req
		other.ReqID++
		var wire bytes.Buffer
		require.NoError(t, other.WriteReply(&wire, []byte("12345678")))
		_, err := req.ReadReply(&wire)
		assert.Error(t, err)
	})

	t.Run("error result code", func(t *testing.T) {
		req := NewReadPacket(1, 2, 0, dst[:8], 8, 0)
		reply := *req
		reply.ResultCode = 0xEE
		var wire bytes.Buffer
		var hdr [HeaderSize]byte
		reply.marshalHeader(hdr[:])
		wire.Write(hdr[:])
		_, err := req.ReadReply(&wire)
		assert.Error(t, err)
	})

	t.Run("oversized payload", func(t *testing.T) {
		req := NewReadPacket(1, 2, 0, dst[:8], 8, 0)
		reply := *req
		reply.ResultCode = OpOk
		reply.Size = 64
		var wire bytes.Buffer
		var hdr [HeaderSize]byte
		reply.marshalHeader(hdr[:])
		wire.Write(hdr[:])
		wire.Write(make([]byte, 64))
		_, err := req.ReadReply(&wire)
		assert.Error(t, err)
	})

	t.Run("crc mismatch", func(t *testing.T) {
		req := NewReadPacket(1, 2, 0, dst[:8], 8, 0)
		payload := []byte("12345678")
		reply := *req
		reply.ResultCode = OpOk
		reply.Size = uint32(len(payload))
		reply.CRC = crc32.ChecksumIEEE(payload) + 1
		var wire bytes.Buffer
		var hdr [HeaderSize]byte
		reply.marshalHeader(hdr[:])
		wire.Write(hdr[:])
		wire.Write(payload)
		_, err := req.ReadReply(&wire)
		assert.Error(t, err)
	})
}

func TestRequestIDsUnique(t *testing.T) {
	dst := make([]byte, 1)
	a := NewReadPacket(1, 1, 0, dst[:1], 1, 0)
	b := NewReadPacket(1, 1, 0, dst[:1], 1, 0)
	assert.NotEqual(t, a.ReqID, b.ReqID)
}
