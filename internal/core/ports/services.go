package ports

import (
	"context"
	"encoding/json"

	"stagewire/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// SignalingChannel is a request/response plus fire-and-forget transport to
// the coordination server.
type SignalingChannel interface {
	// Request resolves exactly once. response may be nil.
	Request(ctx context.Context, method domain.Method, payload interface{}, response interface{}) error
	Emit(ctx context.Context, event domain.SignalEvent, payload interface{}) error
	// On registers the single handler for a pushed event. A second
	// registration returns domain.ErrHandlerRegistered.
	On(event domain.SignalEvent, handler func(payload json.RawMessage)) error
}

// TrackSource hands out local capture tracks.
type TrackSource interface {
	Acquire(kind domain.MediaKind) (webrtc.TrackLocal, error)
	Release(kind domain.MediaKind)
}

// ConnectFunc round-trips local DTLS parameters to the router.
type ConnectFunc func(ctx context.Context, params domain.DTLSParameters) error

// ProduceFunc registers a new producer on the router and returns its ID.
type ProduceFunc func(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (string, error)

// MediaDevice is the SFU side of the media engine.
type MediaDevice interface {
	Load(caps domain.RTPCapabilities) error
	Loaded() bool
	CanProduce(kind domain.MediaKind) bool
	RTPCapabilities() domain.RTPCapabilities
	CreateSendTransport(opts domain.TransportOptions) (MediaTransport, error)
	CreateReceiveTransport(opts domain.TransportOptions) (MediaTransport, error)
}

type ConsumeOptions struct {
	ID            domain.ConsumerID
	ProducerID    string
	Kind          domain.MediaKind
	RTPParameters domain.RTPParameters
}

type MediaTransport interface {
	ID() domain.TransportID
	Direction() domain.TransportDirection
	OnConnect(fn ConnectFunc)
	OnProduce(fn ProduceFunc)
	OnConnectionStateChange(fn func(state string))
	Produce(ctx context.Context, track webrtc.TrackLocal, opts domain.LocalProducer) (MediaProducer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (MediaConsumer, error)
	Close() error
}

type MediaProducer interface {
	ID() string
	Kind() domain.MediaKind
	TrackID() domain.TrackID
	Pause() error
	Resume() error
	Close() error
}

type MediaConsumer interface {
	ID() domain.ConsumerID
	ProducerID() string
	Kind() domain.MediaKind
	Track() domain.RemoteTrack
	Pause() error
	Resume() error
	Close() error
}

// Sender is a track attached to a peer connection.
type Sender interface {
	TrackID() domain.TrackID
}

// PeerConnection is the P2P side of the media engine.
type PeerConnection interface {
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	// Rollback discards the pending local offer.
	Rollback() error
	HasRemoteDescription() bool
	AddICECandidate(candidate domain.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error
	// OnICECandidate delivers nil when gathering is complete.
	OnICECandidate(fn func(candidate *domain.ICECandidateInit))
	OnTrack(fn func(track domain.RemoteTrack))
	OnConnectionStateChange(fn func(state string))
	RequestKeyFrame(track domain.RemoteTrack) error
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
