package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// Errors returned while decoding RTP-MIDI payloads
var (
	ErrRTPVersion      = errors.New("unsupported RTP version")
	ErrTruncated       = errors.New("truncated RTP-MIDI packet")
	ErrDeltaTooLong    = errors.New("delta time longer than 4 octets")
	ErrNoRunningStatus = errors.New("data byte without running status")
)

const (
	rtpHeaderLen = 12

	flagLong = 0x80
	flagZero = 0x20

	sysExStart = 0xF0
	sysExEnd   = 0xF7
	sysExAbort = 0xF4

	// maxSysExLen bounds a SysEx message reassembled from segments
	maxSysExLen = 64 << 10
)

// rtpHeader holds the RTP fields the session uses
type rtpHeader struct {
	PayloadType uint8
	Seq         uint16
	Timestamp   uint32
	SSRC        uint32
}

// timedMessage is one MIDI command with its absolute RTP timestamp
type timedMessage struct {
	Timestamp uint32
	Message   midi.Message
}

func parseRTPHeader(b []byte) (rtpHeader, []byte, error) {
	if len(b) < rtpHeaderLen {
		return rtpHeader{}, nil, fmt.Errorf("%w: %d byte header", ErrTruncated, len(b))
	}
	if v := b[0] >> 6; v != 2 {
		return rtpHeader{}, nil, fmt.Errorf("%w: %d", ErrRTPVersion, v)
	}
	h := rtpHeader{
		PayloadType: b[1] & 0x7F,
		Seq:         binary.BigEndian.Uint16(b[2:]),
		Timestamp:   binary.BigEndian.Uint32(b[4:]),
		SSRC:        binary.BigEndian.Uint32(b[8:]),
	}

	off := rtpHeaderLen + 4*int(b[0]&0x0F)
	if b[0]&0x10 != 0 {
		if len(b) < off+4 {
			return h, nil, fmt.Errorf("%w: header extension", ErrTruncated)
		}
		off += 4 + 4*int(binary.BigEndian.Uint16(b[off+2:]))
	}
	end := len(b)
	if b[0]&0x20 != 0 {
		end -= int(b[len(b)-1])
	}
	if off > end {
		return h, nil, fmt.Errorf("%w: payload offset %d beyond %d", ErrTruncated, off, end)
	}
	return h, b[off:end], nil
}

// commandSection splits the MIDI command section header from its list
func commandSection(p []byte) (list []byte, firstHasDelta bool, err error) {
	if len(p) < 1 {
		return nil, false, fmt.Errorf("%w: empty command section", ErrTruncated)
	}
	flags := p[0]
	length := int(flags & 0x0F)
	hdr := 1
	if flags&flagLong != 0 {
		if len(p) < 2 {
			return nil, false, fmt.Errorf("%w: long length header", ErrTruncated)
		}
		length = length<<8 | int(p[1])
		hdr = 2
	}
	if len(p) < hdr+length {
		return nil, false, fmt.Errorf("%w: list needs %d bytes, got %d", ErrTruncated, length, len(p)-hdr)
	}
	// the recovery journal that may follow is not used
	return p[hdr : hdr+length], flags&flagZero != 0, nil
}

// readDelta decodes a 1-4 octet variable length delta time
func readDelta(b []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("%w: delta time", ErrTruncated)
		}
		v = v<<7 | uint32(b[i]&0x7F)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrDeltaTooLong
}

// dataLen returns the number of data bytes following a non-SysEx status
func dataLen(status byte) int {
	switch {
	case status >= 0xF8:
		return 0
	case status == 0xF1, status == 0xF3:
		return 1
	case status == 0xF2:
		return 2
	case status >= 0xF4:
		return 0
	case status >= 0xC0 && status < 0xE0:
		return 1
	default:
		return 2
	}
}

// sysexAssembler joins SysEx messages split across RTP packets. Segments
// are F0..F0 (first), F7..F0 (middle) and F7..F7 (last); F4 cancels.
type sysexAssembler struct {
	buf    []byte
	active bool
}

func (s *sysexAssembler) add(start byte, body []byte, end byte) (midi.Message, bool) {
	switch {
	case end == sysExAbort:
		s.reset()
	case start == sysExStart && end == sysExEnd:
		s.reset()
		msg := make([]byte, 0, len(body)+2)
		msg = append(msg, sysExStart)
		msg = append(msg, body...)
		return append(msg, sysExEnd), true
	case start == sysExStart && end == sysExStart:
		s.buf, s.active = []byte{sysExStart}, true
		if !s.grow(body) {
			s.reset()
		}
	case start == sysExEnd && end == sysExStart:
		if s.active && !s.grow(body) {
			s.reset()
		}
	case start == sysExEnd && end == sysExEnd:
		if !s.active || !s.grow(body) {
			s.reset()
			return nil, false
		}
		msg := append(s.buf, sysExEnd)
		s.buf, s.active = nil, false
		return msg, true
	}
	return nil, false
}

// grow appends body unless the message would exceed maxSysExLen
func (s *sysexAssembler) grow(body []byte) bool {
	if len(s.buf)+len(body)+1 > maxSysExLen {
		return false
	}
	s.buf = append(s.buf, body...)
	return true
}

func (s *sysexAssembler) reset() {
	s.buf, s.active = nil, false
}

// decodeMIDIList walks the MIDI list, applying delta times and running
// status. Messages decoded before an error are still returned.
func decodeMIDIList(list []byte, base uint32, firstHasDelta bool, sx *sysexAssembler) ([]timedMessage, error) {
	var (
		out     []timedMessage
		running byte
		ts      = base
	)
	for i, first := 0, true; i < len(list); first = false {
		if !first || firstHasDelta {
			d, n, err := readDelta(list[i:])
			if err != nil {
				return out, err
			}
			ts += d
			i += n
			if i >= len(list) {
				return out, fmt.Errorf("%w: delta time without command", ErrTruncated)
			}
		}

		status := list[i]
		if status < 0x80 {
			if running == 0 {
				return out, ErrNoRunningStatus
			}
			status = running
		} else {
			i++
		}

		switch {
		case status == sysExStart || status == sysExEnd:
			j := i
			for j < len(list) && list[j] != sysExEnd && list[j] != sysExStart && list[j] != sysExAbort {
				j++
			}
			if j == len(list) {
				return out, fmt.Errorf("%w: unterminated SysEx", ErrTruncated)
			}
			if msg, ok := sx.add(status, list[i:j], list[j]); ok {
				out = append(out, timedMessage{Timestamp: ts, Message: msg})
			}
			i = j + 1
			running = 0
		default:
			n := dataLen(status)
			if i+n > len(list) {
				return out, fmt.Errorf("%w: 0x%02X needs %d data bytes", ErrTruncated, status, n)
			}
			msg := make(midi.Message, 1+n)
			msg[0] = status
			copy(msg[1:], list[i:i+n])
			i += n
			out = append(out, timedMessage{Timestamp: ts, Message: msg})

			switch {
			case status < 0xF0:
				running = status
			case status < 0xF8:
				// system common cancels running status; realtime leaves it
				running = 0
			}
		}
	}
	return out, nil
}

// decodeRTPMIDI parses a full RTP-MIDI packet
func decodeRTPMIDI(b []byte, sx *sysexAssembler) (rtpHeader, []timedMessage, error) {
	h, payload, err := parseRTPHeader(b)
	if err != nil {
		return h, nil, err
	}
	list, firstHasDelta, err := commandSection(payload)
	if err != nil {
		return h, nil, err
	}
	msgs, err := decodeMIDIList(list, h.Timestamp, firstHasDelta, sx)
	return h, msgs, err
}
