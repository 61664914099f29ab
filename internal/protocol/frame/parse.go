package frame

import "encoding/binary"

// Result classifies a byte window at the start of an unconsumed stream.
type Result uint8

const (
	// Incomplete means more bytes are needed before a decision can be made.
	Incomplete Result = iota
	// Desynced means the window does not start on a frame boundary. The caller
	// discards bytes until a magic byte leads the window.
	Desynced
	// Ready means a complete frame of the returned length leads the window.
	Ready
)

func (r Result) String() string {
	switch r {
	case Incomplete:
		return "incomplete"
	case Desynced:
		return "desynced"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// TryParseFrame inspects window without consuming it. On Ready the second
// return value is the total frame length (header plus payload).
func TryParseFrame(window []byte) (Result, int) {
	return tryParse(window, 0)
}

// TryParse is TryParseFrame with a payload ceiling. A header announcing more
// than MaxPayload bytes is Desynced, since it could never be buffered.
func (l Limits) TryParse(window []byte) (Result, int) {
	return tryParse(window, l.MaxPayload)
}

func tryParse(window []byte, maxPayload uint32) (Result, int) {
	if len(window) < HeaderLen {
		return Incomplete, 0
	}
	if window[0] != Magic || window[1] != Version {
		return Desynced, 0
	}
	length := binary.BigEndian.Uint32(window[7:11])
	if maxPayload > 0 && length > maxPayload {
		return Desynced, 0
	}
	total := HeaderLen + int(length)
	if len(window) < total {
		return Incomplete, 0
	}
	return Ready, total
}

// NeedHeader reports how many bytes of window are required before the total
// frame length is known. It lets callers size a peek window.
func NeedHeader(window []byte) int {
	if len(window) < HeaderLen {
		return HeaderLen
	}
	return HeaderLen + int(binary.BigEndian.Uint32(window[7:11]))
}
