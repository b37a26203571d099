package domain

type StageID string
type ParticipantID string
type DeviceID string
type RouterID string
type ProducerID string
type ConsumerID string
type TransportID string
type TrackID string

// MediaKind is either audio or video.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// MediaKinds lists every kind in a stable order.
var MediaKinds = []MediaKind{KindAudio, KindVideo}

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	Online      bool          `json:"online"`
}

// GlobalProducer is a published media source as known directory-wide.
type GlobalProducer struct {
	ID               ProducerID    `json:"id"`
	OwnerID          ParticipantID `json:"ownerId"`
	RouterID         RouterID      `json:"routerId"`
	DeviceID         DeviceID      `json:"deviceId"`
	Kind             MediaKind     `json:"kind"`
	RouterProducerID string        `json:"producerId"`
}

// ProducerDescriptor is what gets published to the directory; the directory
// assigns the ID.
type ProducerDescriptor struct {
	OwnerID          ParticipantID `json:"ownerId"`
	RouterID         RouterID      `json:"routerId"`
	DeviceID         DeviceID      `json:"deviceId"`
	Kind             MediaKind     `json:"kind"`
	RouterProducerID string        `json:"producerId"`
}

// Volume targets either a member or a global producer.
type Volume struct {
	ID       string  `json:"id"`
	TargetID string  `json:"targetId"`
	Value    float64 `json:"value"`
}

type Stage struct {
	ID      StageID       `json:"id"`
	Name    string        `json:"name"`
	OwnerID ParticipantID `json:"ownerId"`
}
