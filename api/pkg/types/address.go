package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address is a real-mode segmented address. The pair and its linear form
// always agree: Linear() == (Segment << 4) + Offset.
type Address struct {
	Segment uint16
	Offset  uint16
}

var segOffPattern = regexp.MustCompile(`^[0-9A-Fa-f]{1,4}:[0-9A-Fa-f]{1,4}$`)

// NewAddress builds an address from an explicit segment:offset pair.
func NewAddress(segment, offset uint16) Address {
	return Address{Segment: segment, Offset: offset}
}

// AddressFromLinear builds the canonical segmented form of a linear address:
// segment carries the top bits, offset is left in the 0x0-0xF range.
func AddressFromLinear(linear uint32) Address {
	return Address{
		Segment: uint16((linear >> 4) & 0xFFFF),
		Offset:  uint16(linear & 0xF),
	}
}

// ParseAddress accepts "SSSS:OOOO" (hex pair), "0x..." (hex linear) or a
// decimal linear literal.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, &ArgumentError{Field: "address", Reason: "empty address"}
	}

	if strings.Contains(s, ":") {
		if !segOffPattern.MatchString(s) {
			return Address{}, &ArgumentError{Field: "address", Reason: fmt.Sprintf("bad segment:offset literal %q", s)}
		}
		segStr, offStr, _ := strings.Cut(s, ":")
		seg, err := strconv.ParseUint(segStr, 16, 16)
		if err != nil {
			return Address{}, &ArgumentError{Field: "address", Reason: fmt.Sprintf("bad segment %q", segStr)}
		}
		off, err := strconv.ParseUint(offStr, 16, 16)
		if err != nil {
			return Address{}, &ArgumentError{Field: "address", Reason: fmt.Sprintf("bad offset %q", offStr)}
		}
		return Address{Segment: uint16(seg), Offset: uint16(off)}, nil
	}

	var (
		linear uint64
		err    error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		linear, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		linear, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return Address{}, &ArgumentError{Field: "address", Reason: fmt.Sprintf("bad address literal %q", s)}
	}
	return AddressFromLinear(uint32(linear)), nil
}

// Linear returns the flat physical address.
func (a Address) Linear() uint32 {
	return uint32(a.Segment)<<4 + uint32(a.Offset)
}

// String formats the address in the SSSS:OOOO form used by the DOSBox-X
// debugger and the HTTP API.
func (a Address) String() string {
	return fmt.Sprintf("%04X:%04X", a.Segment, a.Offset)
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
