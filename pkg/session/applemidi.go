package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned while decoding session packets
var (
	ErrShortPacket  = errors.New("packet too short")
	ErrNotSession   = errors.New("not an AppleMIDI session packet")
	ErrWrongCommand = errors.New("unexpected AppleMIDI command")
)

// Command is the two-letter AppleMIDI session command
type Command uint16

// AppleMIDI session commands
const (
	CmdInvitation Command = 'I'<<8 | 'N'
	CmdAccept     Command = 'O'<<8 | 'K'
	CmdReject     Command = 'N'<<8 | 'O'
	CmdEnd        Command = 'B'<<8 | 'Y'
	CmdClock      Command = 'C'<<8 | 'K'
	CmdFeedback   Command = 'R'<<8 | 'S'
)

func (c Command) String() string {
	return string([]byte{byte(c >> 8), byte(c)})
}

const (
	signature       = 0xFFFF
	protocolVersion = 2

	controlHeaderLen = 16
	clockLen         = 36
	feedbackLen      = 12
)

// IsSessionPacket reports whether b starts with the AppleMIDI signature
func IsSessionPacket(b []byte) bool {
	return len(b) >= 4 && binary.BigEndian.Uint16(b) == signature
}

// PeekCommand returns the session command of b
func PeekCommand(b []byte) (Command, error) {
	if !IsSessionPacket(b) {
		return 0, ErrNotSession
	}
	return Command(binary.BigEndian.Uint16(b[2:])), nil
}

// Control is an invitation, acceptance, rejection or end-of-session packet
type Control struct {
	Command Command
	Version uint32
	Token   uint32
	SSRC    uint32
	Name    string
}

// DecodeControl parses IN, OK, NO and BY packets
func DecodeControl(b []byte) (Control, error) {
	cmd, err := PeekCommand(b)
	if err != nil {
		return Control{}, err
	}
	switch cmd {
	case CmdInvitation, CmdAccept, CmdReject, CmdEnd:
	default:
		return Control{}, fmt.Errorf("%w: %s", ErrWrongCommand, cmd)
	}
	if len(b) < controlHeaderLen {
		return Control{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPacket, cmd, controlHeaderLen, len(b))
	}

	c := Control{
		Command: cmd,
		Version: binary.BigEndian.Uint32(b[4:]),
		Token:   binary.BigEndian.Uint32(b[8:]),
		SSRC:    binary.BigEndian.Uint32(b[12:]),
	}
	name := b[controlHeaderLen:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	c.Name = string(name)
	return c, nil
}

// Encode serializes c. The name is omitted for BY packets.
func (c Control) Encode() []byte {
	b := make([]byte, controlHeaderLen, controlHeaderLen+len(c.Name)+1)
	binary.BigEndian.PutUint16(b, signature)
	binary.BigEndian.PutUint16(b[2:], uint16(c.Command))
	binary.BigEndian.PutUint32(b[4:], c.Version)
	binary.BigEndian.PutUint32(b[8:], c.Token)
	binary.BigEndian.PutUint32(b[12:], c.SSRC)
	if c.Command != CmdEnd && c.Name != "" {
		b = append(b, c.Name...)
		b = append(b, 0)
	}
	return b
}

// Clock is a CK synchronization packet. Timestamps are in 100µs units.
type Clock struct {
	SSRC       uint32
	Count      uint8
	Timestamps [3]uint64
}

// DecodeClock parses a CK packet
func DecodeClock(b []byte) (Clock, error) {
	cmd, err := PeekCommand(b)
	if err != nil {
		return Clock{}, err
	}
	if cmd != CmdClock {
		return Clock{}, fmt.Errorf("%w: %s", ErrWrongCommand, cmd)
	}
	if len(b) < clockLen {
		return Clock{}, fmt.Errorf("%w: CK needs %d bytes, got %d", ErrShortPacket, clockLen, len(b))
	}
	c := Clock{
		SSRC:  binary.BigEndian.Uint32(b[4:]),
		Count: b[8],
	}
	for i := range c.Timestamps {
		c.Timestamps[i] = binary.BigEndian.Uint64(b[12+8*i:])
	}
	return c, nil
}

// Encode serializes c
func (c Clock) Encode() []byte {
	b := make([]byte, clockLen)
	binary.BigEndian.PutUint16(b, signature)
	binary.BigEndian.PutUint16(b[2:], uint16(CmdClock))
	binary.BigEndian.PutUint32(b[4:], c.SSRC)
	b[8] = c.Count
	for i, ts := range c.Timestamps {
		binary.BigEndian.PutUint64(b[12+8*i:], ts)
	}
	return b
}

// Feedback is an RS receiver feedback packet
type Feedback struct {
	SSRC uint32
	Seq  uint16
}

// DecodeFeedback parses an RS packet
func DecodeFeedback(b []byte) (Feedback, error) {
	cmd, err := PeekCommand(b)
	if err != nil {
		return Feedback{}, err
	}
	if cmd != CmdFeedback {
		return Feedback{}, fmt.Errorf("%w: %s", ErrWrongCommand, cmd)
	}
	if len(b) < feedbackLen {
		return Feedback{}, fmt.Errorf("%w: RS needs %d bytes, got %d", ErrShortPacket, feedbackLen, len(b))
	}
	return Feedback{
		SSRC: binary.BigEndian.Uint32(b[4:]),
		Seq:  binary.BigEndian.Uint16(b[8:]),
	}, nil
}

// Encode serializes f
func (f Feedback) Encode() []byte {
	b := make([]byte, feedbackLen)
	binary.BigEndian.PutUint16(b, signature)
	binary.BigEndian.PutUint16(b[2:], uint16(CmdFeedback))
	binary.BigEndian.PutUint32(b[4:], f.SSRC)
	binary.BigEndian.PutUint16(b[8:], f.Seq)
	return b
}
