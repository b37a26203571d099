package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errForeignSender = errors.New("sender does not belong to this connection")

// PeerConnectionFactory creates full-mesh peer connections on a shared API.
type PeerConnectionFactory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*PeerConnectionFactory)(nil)

func NewPeerConnectionFactory(cfg Config, logger *zap.SugaredLogger) (*PeerConnectionFactory, error) {
	api, err := cfg.newAPI(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build WebRTC API: %w", err)
	}
	return &PeerConnectionFactory{config: cfg, api: api, logger: logger}, nil
}

func (f *PeerConnectionFactory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &peerConnection{pc: pc, logger: f.logger}, nil
}

type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

type sender struct {
	rtp     *webrtc.RTPSender
	trackID domain.TrackID
}

func (s *sender) TrackID() domain.TrackID { return s.trackID }

func toSessionDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func fromSessionDescription(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	typ := webrtc.NewSDPType(desc.Type)
	if typ == webrtc.SDPType(webrtc.Unknown) {
		return webrtc.SessionDescription{}, fmt.Errorf("unknown session description type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: typ, SDP: desc.SDP}, nil
}

func (c *peerConnection) CreateOffer() (domain.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return toSessionDescription(offer), nil
}

func (c *peerConnection) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return toSessionDescription(answer), nil
}

func (c *peerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	d, err := fromSessionDescription(desc)
	if err != nil {
		return err
	}
	return c.pc.SetLocalDescription(d)
}

func (c *peerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	d, err := fromSessionDescription(desc)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(d)
}

func (c *peerConnection) Rollback() error {
	pending := c.pc.PendingLocalDescription()
	if pending == nil {
		return nil
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
}

func (c *peerConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *peerConnection) AddICECandidate(candidate domain.ICECandidateInit) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (c *peerConnection) AddTrack(track webrtc.TrackLocal) (ports.Sender, error) {
	rtpSender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Incoming RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &sender{rtp: rtpSender, trackID: domain.TrackID(track.ID())}, nil
}

func (c *peerConnection) RemoveTrack(s ports.Sender) error {
	own, ok := s.(*sender)
	if !ok {
		return errForeignSender
	}
	return c.pc.RemoveTrack(own.rtp)
}

// OnICECandidate reports nil once gathering is complete.
func (c *peerConnection) OnICECandidate(fn func(candidate *domain.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn(nil)
			return
		}
		init := candidate.ToJSON()
		fn(&domain.ICECandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (c *peerConnection) OnTrack(fn func(track domain.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go readRTCP(receiver, c.logger)
		fn(&remoteTrack{id: track.ID(), track: track})
	})
}

func (c *peerConnection) OnConnectionStateChange(fn func(state string)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(state.String())
	})
}

func (c *peerConnection) RequestKeyFrame(track domain.RemoteTrack) error {
	remote, ok := track.(*remoteTrack)
	if !ok {
		return fmt.Errorf("track %s was not received on this connection", track.ID())
	}
	return c.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.track.SSRC())},
	})
}

func (c *peerConnection) Close() error {
	return c.pc.Close()
}

// remoteTrack exposes a pion track as a domain.RemoteTrack. Packets are
// dropped while paused.
type remoteTrack struct {
	id    string
	track *webrtc.TrackRemote

	mu     sync.Mutex
	paused bool
}

func (t *remoteTrack) ID() string { return t.id }

func (t *remoteTrack) Kind() domain.MediaKind { return mediaKind(t.track.Kind()) }

func (t *remoteTrack) MimeType() string { return t.track.Codec().MimeType }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		paused := t.paused
		t.mu.Unlock()
		if !paused {
			return pkt, nil
		}
	}
}

func (t *remoteTrack) setPaused(paused bool) {
	t.mu.Lock()
	t.paused = paused
	t.mu.Unlock()
}

// readRTCP drains sender reports for a received track until the receiver
// stops.
func readRTCP(receiver *webrtc.RTPReceiver, logger *zap.SugaredLogger) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				logger.Debugw("received sender report",
					"ssrc", sr.SSRC,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}
