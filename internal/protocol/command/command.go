package command

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/procgraph/internal/protocol"
)

// Op is the command sub-operation carried in the first payload byte.
type Op uint8

const (
	OpNewAddress Op = 1
	OpStatus     Op = 2
	OpPolicy     Op = 3
	OpConnect    Op = 4
	OpDisconnect Op = 5
	OpQuit       Op = 0xFF
)

func (o Op) String() string {
	switch o {
	case OpNewAddress:
		return "new_address"
	case OpStatus:
		return "status"
	case OpPolicy:
		return "policy"
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpQuit:
		return "quit"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Status is the first byte of every reply body.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusNotFound
	StatusRejected
	StatusExists
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusNotFound:
		return "not_found"
	case StatusRejected:
		return "rejected"
	case StatusExists:
		return "exists"
	case StatusUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

var (
	ErrEmptyPayload = errors.New("command: empty payload")
	ErrShortArgs    = errors.New("command: short arguments")
)

// Command is one decoded COMMAND payload.
type Command struct {
	Op   Op
	Args []byte
}

// Parse splits a COMMAND payload into its op and argument bytes.
func Parse(payload []byte) (Command, error) {
	if len(payload) == 0 {
		return Command{}, ErrEmptyPayload
	}
	return Command{Op: Op(payload[0]), Args: payload[1:]}, nil
}

// Pair is the CONNECT/DISCONNECT argument shape.
type Pair struct {
	Source protocol.Address
	Target protocol.Address
}

func EncodePair(source, target protocol.Address) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(source))
	binary.BigEndian.PutUint32(buf[4:8], uint32(target))
	return buf
}

func DecodePair(args []byte) (Pair, error) {
	if len(args) < 8 {
		return Pair{}, fmt.Errorf("%w: pair needs 8 bytes, got %d", ErrShortArgs, len(args))
	}
	return Pair{
		Source: protocol.Address(binary.BigEndian.Uint32(args[0:4])),
		Target: protocol.Address(binary.BigEndian.Uint32(args[4:8])),
	}, nil
}

func EncodeAddress(addr protocol.Address) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(addr))
	return buf
}

// DecodeAddress reads an optional address argument. ok is false when args
// carries no address.
func DecodeAddress(args []byte) (protocol.Address, bool, error) {
	switch {
	case len(args) == 0:
		return 0, false, nil
	case len(args) < 4:
		return 0, false, fmt.Errorf("%w: address needs 4 bytes, got %d", ErrShortArgs, len(args))
	}
	return protocol.Address(binary.BigEndian.Uint32(args[0:4])), true, nil
}

// PolicyChange is the POLICY argument shape.
type PolicyChange struct {
	Source protocol.Address
	Policy protocol.Policy
}

func EncodePolicy(source protocol.Address, p protocol.Policy) []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], uint32(source))
	buf[4] = byte(p)
	return buf
}

func DecodePolicy(args []byte) (PolicyChange, error) {
	if len(args) < 5 {
		return PolicyChange{}, fmt.Errorf("%w: policy needs 5 bytes, got %d", ErrShortArgs, len(args))
	}
	p := protocol.Policy(args[4])
	if !p.Valid() {
		return PolicyChange{}, fmt.Errorf("%w: %d", protocol.ErrUnknownPolicy, args[4])
	}
	return PolicyChange{
		Source: protocol.Address(binary.BigEndian.Uint32(args[0:4])),
		Policy: p,
	}, nil
}
