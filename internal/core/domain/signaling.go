package domain

// Method is a request/response endpoint of the media router.
type Method string

const (
	MethodGetRTPCapabilities     Method = "get-rtp-capabilities"
	MethodCreateSendTransport    Method = "create-send-transport"
	MethodCreateReceiveTransport Method = "create-receive-transport"
	MethodConnectTransport       Method = "connect-transport"
	MethodSendTrack              Method = "send-track"
	MethodConsume                Method = "consume"
	MethodFinishConsume          Method = "finish-consume"
	MethodPauseProducer          Method = "pause-producer"
	MethodResumeProducer         Method = "resume-producer"
	MethodCloseProducer          Method = "close-producer"
	MethodPauseConsumer          Method = "pause-consumer"
	MethodResumeConsumer         Method = "resume-consumer"
	MethodCloseConsumer          Method = "close-consumer"
)

// SignalEvent is a fire-and-forget message type.
type SignalEvent string

const (
	EventProducerAdded SignalEvent = "producer-added"

	EventMakeOffer     SignalEvent = "make-offer"
	EventMakeAnswer    SignalEvent = "make-answer"
	EventSendCandidate SignalEvent = "send-candidate"

	EventOfferMade     SignalEvent = "offer-made"
	EventAnswerMade    SignalEvent = "answer-made"
	EventCandidateSent SignalEvent = "candidate-sent"
)

// RelayedEvent maps an outgoing P2P event to the name the target receives.
func RelayedEvent(e SignalEvent) (SignalEvent, bool) {
	switch e {
	case EventMakeOffer:
		return EventOfferMade, true
	case EventMakeAnswer:
		return EventAnswerMade, true
	case EventSendCandidate:
		return EventCandidateSent, true
	}
	return "", false
}

// SessionDescription is the P2P SDP payload.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the browser-style candidate payload used for P2P.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// P2PMessage is the payload of every P2P signaling event. FromID is filled in
// by the relay.
type P2PMessage struct {
	TargetID  ParticipantID       `json:"targetId"`
	FromID    ParticipantID       `json:"fromId,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidateInit   `json:"candidate,omitempty"`
}

type CreateTransportRequest struct {
	RTPCapabilities *RTPCapabilities `json:"rtpCapabilities,omitempty"`
}

type ConnectTransportRequest struct {
	TransportID    TransportID    `json:"transportId"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type SendTrackRequest struct {
	TransportID   TransportID   `json:"transportId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

type SendTrackResponse struct {
	ID string `json:"id"`
}

type ConsumeRequest struct {
	ProducerID      string          `json:"producerId"`
	TransportID     TransportID     `json:"transportId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
	Paused        bool          `json:"paused"`
}

// EntityRequest addresses a single producer or consumer by ID.
type EntityRequest struct {
	ID string `json:"id"`
}

// ProducerAddedEvent is the router push for a new producer.
type ProducerAddedEvent struct {
	Producer GlobalProducer `json:"producer"`
}
