package protocol

import "errors"

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrTruncated          = errors.New("protocol: truncated data")
	ErrPayloadTooLarge    = errors.New("protocol: payload too large")
	ErrUnknownPolicy      = errors.New("protocol: unknown policy")
	ErrReservedPolicy     = errors.New("protocol: reserved policy has no dispatch")
)
