package protocol

import (
	"fmt"
	"strings"
)

// Address names one node in the routing graph.
type Address uint32

const (
	// RouterAddress is reserved for the router itself and never assigned to a client.
	RouterAddress Address = 0
	// NoAddress is carried in the source field before a client has an address.
	NoAddress Address = 0xFFFFFFFF
)

// Assignable reports whether a may be handed to a client.
func (a Address) Assignable() bool {
	return a != RouterAddress && a != NoAddress
}

func (a Address) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

// Policy selects which edges of a forward entry receive a frame.
type Policy uint8

const (
	PolicyBroadcast Policy = iota
	PolicyAnycast
	PolicyRoundRobin
	PolicyMerge
	PolicyCombine
)

var policyNames = [...]string{
	PolicyBroadcast:  "broadcast",
	PolicyAnycast:    "anycast",
	PolicyRoundRobin: "roundrobin",
	PolicyMerge:      "merge",
	PolicyCombine:    "combine",
}

func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// Valid reports whether p is a declared policy value.
func (p Policy) Valid() bool {
	return p <= PolicyCombine
}

// Reserved reports whether p is declared but has no dispatch algorithm.
func (p Policy) Reserved() bool {
	return p == PolicyMerge || p == PolicyCombine
}

// ParsePolicy accepts policy names case-insensitively, with "round-robin" and
// "round_robin" as aliases.
func ParsePolicy(raw string) (Policy, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.NewReplacer("-", "", "_", "").Replace(name)
	for i, candidate := range policyNames {
		if name == candidate {
			return Policy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
}

func (p Policy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPolicy, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
