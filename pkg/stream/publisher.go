package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"

	"github.com/lumakit/go-matte/internal/log"
)

const (
	h264ClockRate = 90000
	rtpMTU        = 1200
	rtpSSRC       = 0x6d617474 // arbitrary but stable
)

// signalMessage is the minimal JSON signalling envelope: the publisher
// sends an offer, the viewer answers, ICE candidates flow both ways.
type signalMessage struct {
	Type      string `json:"type"` // offer | answer | candidate
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// Publisher pushes the composited output to a WebRTC viewer. Frames enter
// as raw RGBA, leave as H264 RTP on a negotiated peer connection.
type Publisher struct {
	signallingURL string
	fps           int

	ws      *websocket.Conn
	wsMutex sync.Mutex
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticRTP

	packetizer rtp.Packetizer
	encoder    *Encoder

	connected bool
	closed    bool
	mu        sync.Mutex
}

// NewPublisher creates a publisher that will dial the signalling server.
func NewPublisher(signallingURL string, fps int) *Publisher {
	if fps <= 0 {
		fps = 30
	}
	return &Publisher{signallingURL: signallingURL, fps: fps}
}

// Connect dials signalling, negotiates the peer connection and starts the
// encoder for the given frame geometry.
func (p *Publisher) Connect(width, height int) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(p.signallingURL, nil)
	if err != nil {
		return fmt.Errorf("signalling connect: %w", err)
	}
	p.ws = ws

	if err := p.createPeerConnection(); err != nil {
		ws.Close()
		return err
	}

	enc, err := NewEncoder(width, height, p.fps)
	if err != nil {
		p.pc.Close()
		ws.Close()
		return err
	}
	enc.OnNAL = p.writeNAL
	p.encoder = enc

	go p.readSignalling()

	if err := p.sendOffer(); err != nil {
		p.Close()
		return err
	}
	return nil
}

func (p *Publisher) createPeerConnection(ice ...webrtc.ICEServer) error {
	config := webrtc.Configuration{
		ICEServers: append([]webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}, ice...),
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video", "go-matte")
	if err != nil {
		pc.Close()
		return fmt.Errorf("create track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return fmt.Errorf("add track: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.sendSignal(signalMessage{Type: "candidate", Candidate: c.ToJSON().Candidate})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Component("stream").Info("peer connection state", "state", state.String())
		p.mu.Lock()
		p.connected = state == webrtc.PeerConnectionStateConnected
		p.mu.Unlock()
	})

	p.pc = pc
	p.track = track
	p.packetizer = rtp.NewPacketizer(
		rtpMTU,
		0, // payload type is negotiated per-track by pion
		rtpSSRC,
		&codecs.H264Payloader{},
		rtp.NewRandomSequencer(),
		h264ClockRate,
	)
	return nil
}

func (p *Publisher) sendOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return p.sendSignal(signalMessage{Type: "offer", SDP: offer.SDP})
}

func (p *Publisher) sendSignal(msg signalMessage) error {
	p.wsMutex.Lock()
	defer p.wsMutex.Unlock()
	return p.ws.WriteJSON(msg)
}

// readSignalling consumes answers and remote candidates until the socket
// closes.
func (p *Publisher) readSignalling() {
	lg := log.Component("stream")
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed {
				lg.Warn("signalling closed", "err", err)
			}
			return
		}

		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			lg.Warn("bad signalling message", "err", err)
			continue
		}

		switch msg.Type {
		case "answer":
			desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
			if err := p.pc.SetRemoteDescription(desc); err != nil {
				lg.Warn("set remote description failed", "err", err)
			}
		case "candidate":
			cand := webrtc.ICECandidateInit{Candidate: msg.Candidate}
			if err := p.pc.AddICECandidate(cand); err != nil {
				lg.Warn("add candidate failed", "err", err)
			}
		}
	}
}

// PushFrame encodes and sends one RGBA frame. Before the connection is up
// frames are still fed to the encoder so SPS/PPS exist when it connects.
func (p *Publisher) PushFrame(rgba []byte) error {
	if p.encoder == nil {
		return fmt.Errorf("publisher not connected")
	}
	return p.encoder.WriteFrame(rgba)
}

// Connected reports whether a viewer is attached.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// writeNAL packetizes one NAL and writes it to the track. Samples advance
// the RTP clock by one frame duration per access unit delimiter-free NAL
// batch; pion rewrites sequence numbers per track subscription.
func (p *Publisher) writeNAL(nal []byte) {
	if !p.Connected() {
		return
	}
	samples := uint32(h264ClockRate / p.fps)
	for _, pkt := range p.packetizer.Packetize(nal, samples) {
		if err := p.track.WriteRTP(pkt); err != nil {
			log.Component("stream").Warn("rtp write failed", "err", err)
			return
		}
	}
}

// Close tears down the encoder, the peer connection and signalling.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if p.encoder != nil {
		p.encoder.Close()
	}
	if p.pc != nil {
		p.pc.Close()
	}
	if p.ws != nil {
		p.ws.Close()
	}
}
