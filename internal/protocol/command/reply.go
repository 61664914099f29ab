package command

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/procgraph/internal/protocol"
)

// Reply is one decoded router reply payload: op, status, body.
type Reply struct {
	Op     Op
	Status Status
	Body   []byte
}

// Args returns the reply argument bytes (status followed by body).
func (r Reply) Args() []byte {
	out := make([]byte, 1+len(r.Body))
	out[0] = byte(r.Status)
	copy(out[1:], r.Body)
	return out
}

// ReplyError is a non-OK reply surfaced as an error.
type ReplyError struct {
	Op     Op
	Status Status
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("command: %s replied %s", e.Op, e.Status)
}

// Err maps a non-OK status to a *ReplyError.
func (r Reply) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &ReplyError{Op: r.Op, Status: r.Status}
}

// IsStatus reports whether err is a ReplyError carrying status.
func IsStatus(err error, status Status) bool {
	var se *ReplyError
	return errors.As(err, &se) && se.Status == status
}

func ParseReply(payload []byte) (Reply, error) {
	cmd, err := Parse(payload)
	if err != nil {
		return Reply{}, err
	}
	if len(cmd.Args) == 0 {
		return Reply{}, fmt.Errorf("%w: reply missing status", ErrShortArgs)
	}
	return Reply{Op: cmd.Op, Status: Status(cmd.Args[0]), Body: cmd.Args[1:]}, nil
}

// StatusReport is the STATUS reply body.
type StatusReport struct {
	Address   protocol.Address   `json:"address"`
	Connected bool               `json:"connected"`
	Policy    protocol.Policy    `json:"policy"`
	Targets   []protocol.Address `json:"targets"`
}

func (s StatusReport) Encode() []byte {
	buf := make([]byte, 10+4*len(s.Targets))
	binary.BigEndian.PutUint32(buf[0:4], uint32(s.Address))
	if s.Connected {
		buf[4] = 1
	}
	buf[5] = byte(s.Policy)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(s.Targets)))
	for i, target := range s.Targets {
		off := 10 + 4*i
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(target))
	}
	return buf
}

func DecodeStatus(body []byte) (StatusReport, error) {
	if len(body) < 10 {
		return StatusReport{}, fmt.Errorf("%w: status needs 10 bytes, got %d", ErrShortArgs, len(body))
	}
	count := binary.BigEndian.Uint32(body[6:10])
	if uint64(len(body)-10) < uint64(count)*4 {
		return StatusReport{}, fmt.Errorf("%w: status announces %d targets", ErrShortArgs, count)
	}
	out := StatusReport{
		Address:   protocol.Address(binary.BigEndian.Uint32(body[0:4])),
		Connected: body[4] != 0,
		Policy:    protocol.Policy(body[5]),
		Targets:   make([]protocol.Address, count),
	}
	for i := range out.Targets {
		off := 10 + 4*i
		out.Targets[i] = protocol.Address(binary.BigEndian.Uint32(body[off : off+4]))
	}
	return out, nil
}
