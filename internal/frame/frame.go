// Package frame builds the checksummed status sentences each channel transmits.
//
// Wire form:
//
//	"$" + body + "*" + XX + "\r\n"
//
// where XX is the XOR of every body byte rendered as two uppercase hex digits.
// Encoding is pure: the same (channel, timestamp) always yields the same bytes.
package frame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	Start      = '$'
	Delimiter  = '*'
	Terminator = "\r\n"

	// TimestampLayout renders YYMMDDHHMM.
	TimestampLayout = "0601021504"

	// MaxChannel is the largest index that fits the two-digit hex suffix.
	MaxChannel = 0xFF
)

var (
	ErrMalformed = errors.New("frame: malformed sentence")
	ErrChecksum  = errors.New("frame: checksum mismatch")
)

// Layout holds the fixed text blocks around the timestamp and channel index.
type Layout struct {
	Header  string
	Payload string
	Trailer string
}

// DefaultLayout is the BDTCI status sentence used by the simulated terminals.
var DefaultLayout = Layout{
	Header:  "BDTCI,4216930,4216931,2,090359,2,0,244F57425378",
	Payload: "05F8C811DF6FFFFFFFFFFFFFFFFF021F001132000B2100068800029F073A0004FF2E03800355FFFFFFFFFFFFFFFF0004FF2E04BD03550331FFFF018F0BF7001E00",
	Trailer: "E0",
}

// WithDefaults fills empty blocks from DefaultLayout.
func (l Layout) WithDefaults() Layout {
	if l.Header == "" {
		l.Header = DefaultLayout.Header
	}
	if l.Payload == "" {
		l.Payload = DefaultLayout.Payload
	}
	if l.Trailer == "" {
		l.Trailer = DefaultLayout.Trailer
	}
	return l
}

// Validate rejects blocks that would break sentence framing.
func (l Layout) Validate() error {
	fields := []struct{ name, v string }{
		{"header", l.Header},
		{"payload", l.Payload},
		{"trailer", l.Trailer},
	}
	for _, f := range fields {
		for i := 0; i < len(f.v); i++ {
			c := f.v[i]
			if c < 0x20 || c > 0x7e || c == Start || c == Delimiter {
				return fmt.Errorf("frame.%s: invalid byte %q at %d", f.name, c, i)
			}
		}
	}
	return nil
}

// Frame is one immutable, fully encoded sentence for one channel.
type Frame struct {
	Channel  int
	Body     string
	Checksum byte
}

// Encode builds the frame for channel at ts using DefaultLayout.
func Encode(channel int, ts time.Time) Frame {
	return DefaultLayout.Encode(channel, ts)
}

// Encode builds the frame for channel at ts.
// The timestamp is rendered in ts's own location.
func (l Layout) Encode(channel int, ts time.Time) Frame {
	var b strings.Builder
	b.Grow(len(l.Header) + len(TimestampLayout) + len(l.Payload) + 2 + len(l.Trailer))
	b.WriteString(l.Header)
	b.WriteString(ts.Format(TimestampLayout))
	b.WriteString(l.Payload)
	b.WriteString(channelHex(channel))
	b.WriteString(l.Trailer)
	body := b.String()
	return Frame{Channel: channel, Body: body, Checksum: Checksum(body)}
}

// Checksum is the XOR of every byte in body.
func Checksum(body string) byte {
	var x byte
	for i := 0; i < len(body); i++ {
		x ^= body[i]
	}
	return x
}

// ChecksumHex renders c as two uppercase, zero-padded hex digits.
func ChecksumHex(c byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[c>>4], digits[c&0x0f]})
}

func channelHex(channel int) string {
	s := strings.ToUpper(strconv.FormatInt(int64(channel), 16))
	if len(s) < 2 {
		s = "0" + s
	}
	return s
}

// String returns the wire form.
func (f Frame) String() string {
	return string(Start) + f.Body + string(Delimiter) + ChecksumHex(f.Checksum) + Terminator
}

// Bytes returns the wire form as a fresh byte slice.
func (f Frame) Bytes() []byte { return []byte(f.String()) }

// Parse splits a wire sentence into body and checksum and verifies it.
// The trailing "\r\n" is optional.
func Parse(wire string) (body string, checksum byte, err error) {
	s := strings.TrimSuffix(wire, Terminator)
	if len(s) < 4 || s[0] != Start {
		return "", 0, ErrMalformed
	}
	star := strings.LastIndexByte(s, Delimiter)
	if star < 1 || len(s)-star != 3 {
		return "", 0, ErrMalformed
	}
	v, perr := strconv.ParseUint(s[star+1:], 16, 8)
	if perr != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformed, perr)
	}
	body = s[1:star]
	checksum = byte(v)
	if got := Checksum(body); got != checksum {
		return body, checksum, fmt.Errorf("%w: trailer %s, computed %s", ErrChecksum, ChecksumHex(checksum), ChecksumHex(got))
	}
	return body, checksum, nil
}
