package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/procgraph/internal/protocol"
)

const (
	Magic     byte = 0x55
	Version   byte = 2
	HeaderLen      = 11
)

// Type is the frame type byte. The reply flag may be ORed onto either base type.
type Type uint8

const (
	TypeData    Type = 0x10
	TypeCommand Type = 0xF0
	FlagReply   Type = 0x01
)

// IsReply reports whether the reply flag is set.
func (t Type) IsReply() bool {
	return t&FlagReply != 0
}

// Base returns t with the reply flag cleared.
func (t Type) Base() Type {
	return t &^ FlagReply
}

func (t Type) String() string {
	var name string
	switch t.Base() {
	case TypeData:
		name = "data"
	case TypeCommand:
		name = "command"
	default:
		name = fmt.Sprintf("type(0x%02x)", uint8(t.Base()))
	}
	if t.IsReply() {
		return name + "+reply"
	}
	return name
}

var ErrShortHeader = errors.New("frame: short fixed header")

// Header is the fixed wire header.
type Header struct {
	Magic   byte
	Version byte
	Type    Type
	Source  protocol.Address
	Length  uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Len returns the encoded size of f.
func (f Frame) Len() int {
	return HeaderLen + len(f.Payload)
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxPayload uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayload: 1024 * 1024,
	}
}

// EncodeData builds a DATA frame from source.
func EncodeData(source protocol.Address, payload []byte) []byte {
	return Encode(Header{Type: TypeData, Source: source}, payload)
}

// EncodeCommand builds a COMMAND frame from a node that has no address yet,
// so the source field carries NoAddress.
func EncodeCommand(op byte, args []byte) []byte {
	return EncodeCommandFrom(protocol.NoAddress, op, args)
}

// EncodeCommandFrom builds a COMMAND frame stamped with source. Attached
// nodes pass their assigned address.
func EncodeCommandFrom(source protocol.Address, op byte, args []byte) []byte {
	return Encode(Header{Type: TypeCommand, Source: source}, commandPayload(op, args))
}

// EncodeReply builds a router-originated COMMAND reply.
func EncodeReply(op byte, args []byte) []byte {
	return Encode(Header{Type: TypeCommand | FlagReply, Source: protocol.RouterAddress}, commandPayload(op, args))
}

func commandPayload(op byte, args []byte) []byte {
	payload := make([]byte, 1+len(args))
	payload[0] = op
	copy(payload[1:], args)
	return payload
}

// Encode writes h followed by payload. Magic, version and length are always
// set from the codec constants and len(payload).
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	h.Magic = Magic
	h.Version = Version
	h.Length = uint32(len(payload))
	putHeader(buf, h)
	copy(buf[HeaderLen:], payload)
	return buf
}

func putHeader(buf []byte, h Header) {
	buf[0] = h.Magic
	buf[1] = h.Version
	buf[2] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[3:7], uint32(h.Source))
	binary.BigEndian.PutUint32(buf[7:11], h.Length)
}

// ParseHeader decodes the fixed header. Callers are expected to have validated
// the window with TryParseFrame; a mismatch here is reported as an error.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, protocol.ErrTruncated
	}
	h := Header{
		Magic:   b[0],
		Version: b[1],
		Type:    Type(b[2]),
		Source:  protocol.Address(binary.BigEndian.Uint32(b[3:7])),
		Length:  binary.BigEndian.Uint32(b[7:11]),
	}
	if h.Magic != Magic {
		return Header{}, protocol.ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, protocol.ErrUnsupportedVersion
	}
	return h, nil
}

// Decode parses one complete frame from b. The payload is copied.
func Decode(b []byte) (Frame, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Frame{}, err
	}
	end := HeaderLen + int(h.Length)
	if len(b) < end {
		return Frame{}, protocol.ErrTruncated
	}
	payload := make([]byte, h.Length)
	copy(payload, b[HeaderLen:end])
	return Frame{Header: h, Payload: payload}, nil
}

// ReadFrame reads one frame from an aligned stream. It does not resynchronize;
// use a ring buffer and TryParseFrame when the stream may be corrupt.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := ParseHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Length > limits.MaxPayload {
		return Frame{}, protocol.ErrPayloadTooLarge
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes f to w with the length field recomputed.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Encode(f.Header, f.Payload))
	return err
}
