// Package proto implements the wire framing for direct storage-node reads.
// A request is a fixed 57-byte big-endian header addressing one extent
// range; the reply reuses the header followed by the payload. The codec only
// covers the extent-read exchange used by the hybrid read engine; everything
// else goes through the remote SDK.
package proto

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync/atomic"
)

const (
	// ProtoMagic guards against cross-protocol traffic on a pooled socket.
	ProtoMagic uint8 = 0xFF

	// HeaderSize is the fixed encoded size of a packet header.
	HeaderSize = 57

	OpExtentRead uint8 = 0x05
	OpOk         uint8 = 0xF0

	extentTypeNormal uint8 = 1
)

var reqID int64

// nextReqID returns a process-unique request id for matching replies.
func nextReqID() int64 {
	return atomic.AddInt64(&reqID, 1)
}

// Packet is one extent-read exchange. Data aliases the caller's destination
// buffer region, so a successful reply lands directly where the read wants
// it, with no extra copy.
type Packet struct {
	Magic        uint8
	ExtentType   uint8
	Opcode       uint8
	ResultCode   uint8
	Followers    uint8
	CRC          uint32
	Size         uint32
	ArgLen       uint32
	KernelOffset uint64
	PartitionID  uint64
	ExtentID     uint64
	ExtentOffset int64
	ReqID        int64

	Data []byte
}

// NewReadPacket builds a request for size bytes at extentOffset of the given
// extent, to be written into dst. fileOffset is carried for the storage
// node's own accounting of the logical position.
func NewReadPacket(partitionID, extentID uint64, extentOffset int64, dst []byte, size int, fileOffset int64) *Packet {
	return &Packet{
		Magic:        ProtoMagic,
		ExtentType:   extentTypeNormal,
		Opcode:       OpExtentRead,
		PartitionID:  partitionID,
		ExtentID:     extentID,
		ExtentOffset: extentOffset,
		Size:         uint32(size),
		KernelOffset: uint64(fileOffset),
		ReqID:        nextReqID(),
		Data:         dst[:0:size],
	}
}

func (p *Packet) marshalHeader(out []byte) {
	out[0] = p.Magic
	out[1] = p.ExtentType
	out[2] = p.Opcode
	out[3] = p.ResultCode
	out[4] = p.Followers
	binary.BigEndian.PutUint32(out[5:9], p.CRC)
	binary.BigEndian.PutUint32(out[9:13], p.Size)
	binary.BigEndian.PutUint32(out[13:17], p.ArgLen)
	binary.BigEndian.PutUint64(out[17:25], p.KernelOffset)
	binary.BigEndian.PutUint64(out[25:33], p.PartitionID)
	binary.BigEndian.PutUint64(out[33:41], p.ExtentID)
	binary.BigEndian.PutUint64(out[41:49], uint64(p.ExtentOffset))
	binary.BigEndian.PutUint64(out[49:57], uint64(p.ReqID))
}

func (p *Packet) unmarshalHeader(in []byte) {
	p.Magic = in[0]
	p.ExtentType = in[1]
	p.Opcode = in[2]
	p.ResultCode = in[3]
	p.Followers = in[4]
	p.CRC = binary.BigEndian.Uint32(in[5:9])
	p.Size = binary.BigEndian.Uint32(in[9:13])
	p.ArgLen = binary.BigEndian.Uint32(in[13:17])
	p.KernelOffset = binary.BigEndian.Uint64(in[17:25])
	p.PartitionID = binary.BigEndian.Uint64(in[25:33])
	p.ExtentID = binary.BigEndian.Uint64(in[33:41])
	p.ExtentOffset = int64(binary.BigEndian.Uint64(in[41:49]))
	p.ReqID = int64(binary.BigEndian.Uint64(in[49:57]))
}

// WriteTo sends the request header. Read requests carry no payload.
func (p *Packet) WriteTo(w io.Writer) error {
	var hdr [HeaderSize]byte
	p.marshalHeader(hdr[:])
	_, err := w.Write(hdr[:])
	return err
}

// ReadReply consumes the reply for this request from r, writing the payload
// into the destination region given at build time. It returns the payload
// length. Any mismatch against the request (magic, id, coordinates), a
// result code other than OpOk, an oversized payload, or a checksum mismatch
// is an error; the caller treats the connection as suspect.
func (p *Packet) ReadReply(r io.Reader) (int, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}

	var reply Packet
	reply.unmarshalHeader(hdr[:])

	if reply.Magic != ProtoMagic {
		return 0, fmt.Errorf("bad reply magic %#x", reply.Magic)
	}
	if reply.ReqID != p.ReqID || reply.PartitionID != p.PartitionID || reply.ExtentID != p.ExtentID {
		return 0, fmt.Errorf("reply for wrong request: id %d want %d", reply.ReqID, p.ReqID)
	}
	if reply.ResultCode != OpOk {
		return 0, fmt.Errorf("storage node result code %#x", reply.ResultCode)
	}
	if int(reply.Size) > cap(p.Data) {
		return 0, fmt.Errorf("reply size %d exceeds requested %d", reply.Size, cap(p.Data))
	}

	p.Data = p.Data[:reply.Size]
	if _, err := io.ReadFull(r, p.Data); err != nil {
		return 0, err
	}
	if crc := crc32.ChecksumIEEE(p.Data); crc != reply.CRC {
		return 0, fmt.Errorf("payload crc mismatch: %#x want %#x", crc, reply.CRC)
	}
	return int(reply.Size), nil
}

// WriteReply encodes a reply for this request onto w, with payload and
// checksum filled in. Used by storage-node test doubles.
func (p *Packet) WriteReply(w io.Writer, payload []byte) error {
	reply := *p
	reply.ResultCode = OpOk
	reply.Size = uint32(len(payload))
	reply.CRC = crc32.ChecksumIEEE(payload)

	var hdr [HeaderSize]byte
	reply.marshalHeader(hdr[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadRequest parses one request header from r. Used by storage-node test
// doubles standing in for the data-node side of the exchange.
func ReadRequest(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	p := new(Packet)
	p.unmarshalHeader(hdr[:])
	if p.Magic != ProtoMagic {
		return nil, fmt.Errorf("bad request magic %#x", p.Magic)
	}
	return p, nil
}
