// Package session implements an AppleMIDI (RTP-MIDI) session responder that
// hands each received MIDI message to a callback.
package session

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"
)

// Handler receives one decoded MIDI message. delta is the time since the
// previous message from the same participant.
type Handler func(delta time.Duration, msg midi.Message)

// tick is the resolution of AppleMIDI timestamps
const tick = 100 * time.Microsecond

// feedbackEvery is how many RTP packets pass between RS packets to a peer
const feedbackEvery = 32

// Config describes the local session endpoint
type Config struct {
	// Name is announced in invitation replies.
	Name string
	// Port is the control port; RTP data uses Port+1. Zero picks ephemeral
	// ports for both sockets.
	Port int
	Host string
}

// Peer describes a participant that joined the session
type Peer struct {
	Name    string    `json:"name"`
	SSRC    uint32    `json:"ssrc"`
	Addr    string    `json:"addr"`
	Joined  time.Time `json:"joined"`
	Packets uint64    `json:"packets"`
}

type participant struct {
	Peer
	token       uint32
	controlAddr *net.UDPAddr
	dataAddr    *net.UDPAddr
	sysex       sysexAssembler
	lastTS      uint32
	haveTS      bool
}

// Session listens for invitations and RTP-MIDI traffic
type Session struct {
	cfg     Config
	handler Handler
	logger  *zap.Logger
	ssrc    uint32
	start   time.Time

	control *net.UDPConn
	data    *net.UDPConn

	mu    sync.Mutex
	peers map[uint32]*participant

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a session; call Listen to start it
func New(cfg Config, handler Handler, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("component", "session")),
		ssrc:    uuid.New().ID(),
		start:   time.Now(),
		peers:   make(map[uint32]*participant),
	}
}

// Listen opens the control and data sockets and starts serving them
func (s *Session) Listen() error {
	control, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("failed to listen on control port %d: %w", s.cfg.Port, err)
	}
	dataPort := 0
	if s.cfg.Port != 0 {
		dataPort = s.cfg.Port + 1
	}
	data, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(s.cfg.Host), Port: dataPort})
	if err != nil {
		_ = control.Close()
		return fmt.Errorf("failed to listen on data port %d: %w", dataPort, err)
	}
	s.control, s.data = control, data

	s.wg.Add(2)
	go s.serve(control, false)
	go s.serve(data, true)

	s.logger.Info("RTPMidi session is ready to receive messages.",
		zap.String("name", s.cfg.Name),
		zap.Stringer("control", control.LocalAddr()),
		zap.Stringer("data", data.LocalAddr()))
	return nil
}

// ControlAddr returns the bound control socket address
func (s *Session) ControlAddr() net.Addr { return s.control.LocalAddr() }

// DataAddr returns the bound data socket address
func (s *Session) DataAddr() net.Addr { return s.data.LocalAddr() }

// Peers returns the current participants ordered by join time
func (s *Session) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p.Peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Joined.Before(peers[j].Joined) })
	return peers
}

// Close ends the session with every participant and closes the sockets
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.control == nil {
			return
		}
		s.mu.Lock()
		for ssrc, p := range s.peers {
			bye := Control{Command: CmdEnd, Version: protocolVersion, Token: p.token, SSRC: s.ssrc}
			if p.controlAddr != nil {
				_, _ = s.control.WriteToUDP(bye.Encode(), p.controlAddr)
			}
			delete(s.peers, ssrc)
		}
		s.mu.Unlock()

		err = errors.Join(s.control.Close(), s.data.Close())
		s.wg.Wait()
		s.logger.Info("RTPMidi session closed")
	})
	return err
}

func (s *Session) serve(conn *net.UDPConn, isData bool) {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("UDP read failed", zap.Error(err))
			continue
		}
		pkt := buf[:n]
		switch {
		case IsSessionPacket(pkt):
			s.handleSession(conn, addr, pkt, isData)
		case isData:
			s.handleRTP(addr, pkt)
		default:
			s.logger.Debug("Ignoring non-session packet on control port", zap.Stringer("from", addr))
		}
	}
}

func (s *Session) handleSession(conn *net.UDPConn, addr *net.UDPAddr, pkt []byte, isData bool) {
	cmd, _ := PeekCommand(pkt)
	switch cmd {
	case CmdInvitation:
		in, err := DecodeControl(pkt)
		if err != nil {
			s.logger.Warn("Bad invitation", zap.Stringer("from", addr), zap.Error(err))
			return
		}
		s.accept(conn, addr, in, isData)
	case CmdEnd:
		by, err := DecodeControl(pkt)
		if err != nil {
			s.logger.Warn("Bad end-of-session packet", zap.Stringer("from", addr), zap.Error(err))
			return
		}
		s.mu.Lock()
		p, ok := s.peers[by.SSRC]
		delete(s.peers, by.SSRC)
		s.mu.Unlock()
		if ok {
			s.logger.Info("Participant left", zap.String("peer", p.Name), zap.Uint32("ssrc", by.SSRC))
		}
	case CmdClock:
		ck, err := DecodeClock(pkt)
		if err != nil {
			s.logger.Warn("Bad clock sync packet", zap.Stringer("from", addr), zap.Error(err))
			return
		}
		s.syncClock(conn, addr, ck)
	case CmdFeedback:
		fb, err := DecodeFeedback(pkt)
		if err != nil {
			s.logger.Warn("Bad receiver feedback packet", zap.Stringer("from", addr), zap.Error(err))
			return
		}
		s.logger.Debug("Receiver feedback",
			zap.Uint32("ssrc", fb.SSRC),
			zap.Uint16("seq", fb.Seq),
			zap.Stringer("from", addr))
	case CmdAccept, CmdReject:
		s.logger.Debug("Ignoring reply to an invitation we never sent", zap.Stringer("command", cmd))
	default:
		s.logger.Warn("Unknown AppleMIDI command", zap.Stringer("command", cmd), zap.Stringer("from", addr))
	}
}

func (s *Session) accept(conn *net.UDPConn, addr *net.UDPAddr, in Control, isData bool) {
	s.mu.Lock()
	p, ok := s.peers[in.SSRC]
	if !ok {
		p = &participant{Peer: Peer{Name: in.Name, SSRC: in.SSRC, Joined: time.Now()}}
		s.peers[in.SSRC] = p
	}
	p.token = in.Token
	if isData {
		p.dataAddr = addr
	} else {
		p.controlAddr = addr
		p.Addr = addr.String()
	}
	s.mu.Unlock()

	reply := Control{Command: CmdAccept, Version: protocolVersion, Token: in.Token, SSRC: s.ssrc, Name: s.cfg.Name}
	if _, err := conn.WriteToUDP(reply.Encode(), addr); err != nil {
		s.logger.Warn("Failed to accept invitation", zap.Stringer("from", addr), zap.Error(err))
		return
	}
	s.logger.Info("Invitation accepted",
		zap.String("peer", in.Name),
		zap.Uint32("ssrc", in.SSRC),
		zap.Bool("data", isData))
}

func (s *Session) syncClock(conn *net.UDPConn, addr *net.UDPAddr, ck Clock) {
	reply := Clock{SSRC: s.ssrc, Timestamps: ck.Timestamps}
	switch ck.Count {
	case 0:
		reply.Count = 1
		reply.Timestamps[1] = s.now()
	case 1:
		reply.Count = 2
		reply.Timestamps[2] = s.now()
	default:
		return
	}
	if _, err := conn.WriteToUDP(reply.Encode(), addr); err != nil {
		s.logger.Warn("Failed to answer clock sync", zap.Stringer("from", addr), zap.Error(err))
	}
}

// now returns the session clock in AppleMIDI ticks
func (s *Session) now() uint64 {
	return uint64(time.Since(s.start) / tick)
}

type delivery struct {
	delta time.Duration
	msg   midi.Message
}

func (s *Session) handleRTP(addr *net.UDPAddr, pkt []byte) {
	h, err := peekSSRC(pkt)
	if err != nil {
		s.logger.Warn("Bad RTP packet", zap.Stringer("from", addr), zap.Error(err))
		return
	}

	s.mu.Lock()
	p, ok := s.peers[h]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("RTP packet from unknown participant", zap.Uint32("ssrc", h), zap.Stringer("from", addr))
		return
	}
	hdr, msgs, err := decodeRTPMIDI(pkt, &p.sysex)
	p.Packets++
	out := make([]delivery, 0, len(msgs))
	for _, m := range msgs {
		var delta time.Duration
		if p.haveTS {
			delta = time.Duration(m.Timestamp-p.lastTS) * tick
		}
		p.lastTS, p.haveTS = m.Timestamp, true
		out = append(out, delivery{delta: delta, msg: m.Message})
	}
	var feedback []byte
	if p.Packets%feedbackEvery == 0 && p.controlAddr != nil {
		feedback = Feedback{SSRC: s.ssrc, Seq: hdr.Seq}.Encode()
	}
	controlAddr := p.controlAddr
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Malformed RTP-MIDI payload", zap.Uint32("ssrc", h), zap.Error(err))
	}
	for _, d := range out {
		s.handler(d.delta, d.msg)
	}
	if feedback != nil {
		if _, err := s.control.WriteToUDP(feedback, controlAddr); err != nil {
			s.logger.Debug("Failed to send receiver feedback", zap.Error(err))
		}
	}
}

// peekSSRC validates the RTP header enough to route the packet
func peekSSRC(pkt []byte) (uint32, error) {
	h, _, err := parseRTPHeader(pkt)
	return h.SSRC, err
}
