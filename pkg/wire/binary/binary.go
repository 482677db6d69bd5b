// Package binary implements the 24-byte-header binary protocol frame
// described in §4.3 of the specification. It is used unconditionally
// for the SASL handshake and, when a caller opts in, for ordinary data
// commands on servers that require binary framing after authenticating.
package binary

import (
	"encoding/binary"
	"fmt"
)

// Magic byte values distinguishing request and response frames.
const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)

// Opcode identifies the operation a frame performs.
type Opcode byte

const (
	OpGet      Opcode = 0x00
	OpSet      Opcode = 0x01
	OpAdd      Opcode = 0x02
	OpReplace  Opcode = 0x03
	OpDelete   Opcode = 0x04
	OpIncr     Opcode = 0x05
	OpDecr     Opcode = 0x06
	OpQuit     Opcode = 0x07
	OpFlush    Opcode = 0x08
	OpNoop     Opcode = 0x0a
	OpVersion  Opcode = 0x0b
	OpAppend   Opcode = 0x0e
	OpPrepend  Opcode = 0x0f
	OpStat     Opcode = 0x10
	OpTouch    Opcode = 0x1c
	OpListMech Opcode = 0x20
	OpAuth     Opcode = 0x21
	OpAuthStep Opcode = 0x22
)

// Status is the 2-byte status field of a response frame.
type Status uint16

const (
	StatusOK               Status = 0x0000
	StatusKeyNotFound      Status = 0x0001
	StatusKeyExists        Status = 0x0002
	StatusValueTooLarge    Status = 0x0003
	StatusInvalidArgs      Status = 0x0004
	StatusNotStored        Status = 0x0005
	StatusNonNumericValue  Status = 0x0006
	StatusWrongVBucket     Status = 0x0007
	StatusAuthError        Status = 0x0020
	StatusAuthContinue     Status = 0x0021
	StatusUnknownCommand   Status = 0x0081
	StatusOutOfMemory      Status = 0x0082
)

var statusNames = map[Status]string{
	StatusOK:              "no error",
	StatusKeyNotFound:     "key not found",
	StatusKeyExists:       "key exists",
	StatusValueTooLarge:   "value too large",
	StatusInvalidArgs:     "invalid arguments",
	StatusNotStored:       "item not stored",
	StatusNonNumericValue: "incr/decr on non-numeric value",
	StatusWrongVBucket:    "vbucket belongs to another server",
	StatusAuthError:       "authentication error",
	StatusAuthContinue:    "authentication continue",
	StatusUnknownCommand:  "unknown command",
	StatusOutOfMemory:     "out of memory",
}

// Name returns the canonical human-readable name of a status code,
// falling back to its hex value when unrecognized.
func (s Status) Name() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status 0x%04x", uint16(s))
}

// HeaderSize is the fixed size of every binary protocol frame header.
const HeaderSize = 24

// Header is the 24-byte frame header, network byte order throughout.
type Header struct {
	Magic           byte
	Opcode          Opcode
	KeyLength       uint16
	ExtrasLength    uint8
	DataType        uint8
	Status          Status // status on responses; reserved (vbucket id) on requests, left 0 here
	TotalBodyLength uint32
	Opaque          uint32
	CAS             uint64
}

// Encode serializes h into a 24-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Magic
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], h.KeyLength)
	buf[4] = h.ExtrasLength
	buf[5] = h.DataType
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Status))
	binary.BigEndian.PutUint32(buf[8:12], h.TotalBodyLength)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.CAS)
	return buf
}

// DecodeHeader parses a 24-byte buffer into a Header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("binary: short header: %d bytes", len(b))
	}
	return Header{
		Magic:           b[0],
		Opcode:          Opcode(b[1]),
		KeyLength:       binary.BigEndian.Uint16(b[2:4]),
		ExtrasLength:    b[4],
		DataType:        b[5],
		Status:          Status(binary.BigEndian.Uint16(b[6:8])),
		TotalBodyLength: binary.BigEndian.Uint32(b[8:12]),
		Opaque:          binary.BigEndian.Uint32(b[12:16]),
		CAS:             binary.BigEndian.Uint64(b[16:24]),
	}, nil
}

// Frame is a full request or response: header plus the three body
// sections it describes.
type Frame struct {
	Header Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// Encode serializes a complete frame, filling in KeyLength,
// ExtrasLength, and TotalBodyLength from the body sections.
func (f Frame) Encode() []byte {
	f.Header.KeyLength = uint16(len(f.Key))
	f.Header.ExtrasLength = uint8(len(f.Extras))
	f.Header.TotalBodyLength = uint32(len(f.Extras) + len(f.Key) + len(f.Value))

	buf := make([]byte, 0, HeaderSize+len(f.Extras)+len(f.Key)+len(f.Value))
	buf = append(buf, f.Header.Encode()...)
	buf = append(buf, f.Extras...)
	buf = append(buf, f.Key...)
	buf = append(buf, f.Value...)
	return buf
}

// NewRequest builds a request Frame with MagicRequest set.
func NewRequest(op Opcode, extras, key, value []byte, opaque uint32) Frame {
	return Frame{
		Header: Header{Magic: MagicRequest, Opcode: op, Opaque: opaque},
		Extras: extras,
		Key:    key,
		Value:  value,
	}
}

// NoopSync builds a NOOP request frame carrying opaque. Writing one of
// these after a run of pipelined quiet commands (GETQ/DELETEQ-style)
// and waiting for the response whose Opaque echoes the same value
// tells the caller every command written before it has been processed
// by the server, mirroring gomemcached's quiet-command-plus-NOOP flush
// pattern. Not currently issued by Cluster, which drives only the
// ASCII path; kept as a building block for a future binary-path
// multi-get.
func NoopSync(opaque uint32) Frame {
	return NewRequest(OpNoop, nil, nil, nil, opaque)
}

// --- streaming decode --------------------------------------------------

// FrameDecoder incrementally assembles one Frame at a time from a byte
// stream that may fragment anywhere, including inside the 24-byte
// header.
type FrameDecoder struct {
	buf []byte
}

// NewFrameDecoder returns a FrameDecoder with an empty buffer.
func NewFrameDecoder() *FrameDecoder { return &FrameDecoder{} }

// Feed appends freshly read bytes to the decoder's buffer.
func (d *FrameDecoder) Feed(data []byte) { d.buf = append(d.buf, data...) }

// Decode attempts to assemble one complete Frame from the buffered
// bytes. It returns (nil, false, nil) when more data is required.
func (d *FrameDecoder) Decode() (*Frame, bool, error) {
	if len(d.buf) < HeaderSize {
		return nil, false, nil
	}
	hdr, err := DecodeHeader(d.buf[:HeaderSize])
	if err != nil {
		return nil, false, err
	}
	total := HeaderSize + int(hdr.TotalBodyLength)
	if len(d.buf) < total {
		return nil, false, nil
	}

	body := d.buf[HeaderSize:total]
	extrasLen := int(hdr.ExtrasLength)
	keyLen := int(hdr.KeyLength)
	if extrasLen+keyLen > len(body) {
		return nil, false, fmt.Errorf("binary: extras+key length exceeds body")
	}

	f := &Frame{
		Header: hdr,
		Extras: append([]byte(nil), body[:extrasLen]...),
		Key:    append([]byte(nil), body[extrasLen:extrasLen+keyLen]...),
		Value:  append([]byte(nil), body[extrasLen+keyLen:]...),
	}
	d.buf = d.buf[total:]
	return f, true, nil
}

// --- extras helpers ------------------------------------------------------

// StorageExtras encodes the 8-byte extras used by SET/ADD/REPLACE:
// 4-byte flags, 4-byte exptime.
func StorageExtras(flags, exptime uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], exptime)
	return b
}

// DeltaExtras encodes the 20-byte extras used by INCR/DECR: 8-byte
// delta, 8-byte initial value, 4-byte exptime.
func DeltaExtras(delta, initial uint64, exptime uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], exptime)
	return b
}

// ExptimeExtras encodes the 4-byte extras used by TOUCH/FLUSH.
func ExptimeExtras(exptime uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, exptime)
	return b
}

// DeltaValue decodes the 8-byte big-endian integer returned in the
// value section of an INCR/DECR response.
func DeltaValue(value []byte) (uint64, error) {
	if len(value) != 8 {
		return 0, fmt.Errorf("binary: delta value must be 8 bytes, got %d", len(value))
	}
	return binary.BigEndian.Uint64(value), nil
}

// SASLPlainAuthValue builds the PLAIN mechanism payload:
// "\0<user>\0<pass>".
func SASLPlainAuthValue(user, pass string) []byte {
	v := make([]byte, 0, len(user)+len(pass)+2)
	v = append(v, 0)
	v = append(v, user...)
	v = append(v, 0)
	v = append(v, pass...)
	return v
}
