package domain

type TransportDirection string

const (
	DirectionSend    TransportDirection = "send"
	DirectionReceive TransportDirection = "receive"
)

// SessionState is the SFU session state machine.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateCapabilitiesFetched
	StateDeviceLoaded
	StateTransportsCreated
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateCapabilitiesFetched:
		return "capabilities-fetched"
	case StateDeviceLoaded:
		return "device-loaded"
	case StateTransportsCreated:
		return "transports-created"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// NegotiationState is the per-participant P2P state machine.
type NegotiationState int

const (
	NegotiationNone NegotiationState = iota
	NegotiationOffering
	NegotiationAnswering
	NegotiationEstablished
	NegotiationClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationNone:
		return "none"
	case NegotiationOffering:
		return "offering"
	case NegotiationAnswering:
		return "answering"
	case NegotiationEstablished:
		return "established"
	case NegotiationClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportLostState reports whether a transport connection state means the
// transport is gone.
func TransportLostState(state string) bool {
	switch state {
	case "closed", "failed", "disconnected":
		return true
	}
	return false
}

// Consumer is the session-level view of a consumed remote producer.
type Consumer struct {
	ID               ConsumerID
	GlobalProducerID ProducerID
	OwnerID          ParticipantID
	Kind             MediaKind
	Paused           bool
}
