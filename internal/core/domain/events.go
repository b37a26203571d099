package domain

// DirectoryEventKind is the closed set of changes the directory publishes.
type DirectoryEventKind int

const (
	MemberAdded DirectoryEventKind = iota + 1
	MemberChanged
	MemberRemoved
	ProducerAdded
	ProducerChanged
	ProducerRemoved
	VolumeAdded
	VolumeChanged
	VolumeRemoved
)

var directoryEventNames = map[DirectoryEventKind]string{
	MemberAdded:     "member-added",
	MemberChanged:   "member-changed",
	MemberRemoved:   "member-removed",
	ProducerAdded:   "producer-added",
	ProducerChanged: "producer-changed",
	ProducerRemoved: "producer-removed",
	VolumeAdded:     "volume-added",
	VolumeChanged:   "volume-changed",
	VolumeRemoved:   "volume-removed",
}

func (k DirectoryEventKind) String() string {
	if name, ok := directoryEventNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k DirectoryEventKind) Valid() bool {
	_, ok := directoryEventNames[k]
	return ok
}

// ParseDirectoryEventKind is the inverse of String.
func ParseDirectoryEventKind(s string) (DirectoryEventKind, bool) {
	for k, name := range directoryEventNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// DirectoryEvent carries exactly one of Member, Producer or Volume depending
// on Kind. Key is the entity ID and is always set, also for removals.
type DirectoryEvent struct {
	Kind     DirectoryEventKind `json:"kind"`
	Key      string             `json:"key"`
	Member   *Participant       `json:"member,omitempty"`
	Producer *GlobalProducer    `json:"producer,omitempty"`
	Volume   *Volume            `json:"volume,omitempty"`
}

// LifecycleKind is the closed set of events reported by the transport manager
// and the negotiator.
type LifecycleKind int

const (
	Connected LifecycleKind = iota + 1
	Disconnected
	TransportLost
	LocalProducerAdded
	LocalProducerPaused
	LocalProducerResumed
	LocalProducerRemoved
	ConsumerAdded
	ConsumerPaused
	ConsumerResumed
	ConsumerRemoved
	PeerEstablished
	PeerClosed
	TrackAdded
	TrackRemoved
)

var lifecycleNames = map[LifecycleKind]string{
	Connected:            "connected",
	Disconnected:         "disconnected",
	TransportLost:        "transport-lost",
	LocalProducerAdded:   "producer-added",
	LocalProducerPaused:  "producer-paused",
	LocalProducerResumed: "producer-resumed",
	LocalProducerRemoved: "producer-removed",
	ConsumerAdded:        "consumer-added",
	ConsumerPaused:       "consumer-paused",
	ConsumerResumed:      "consumer-resumed",
	ConsumerRemoved:      "consumer-removed",
	PeerEstablished:      "peer-established",
	PeerClosed:           "peer-closed",
	TrackAdded:           "track-added",
	TrackRemoved:         "track-removed",
}

func (k LifecycleKind) String() string {
	if name, ok := lifecycleNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k LifecycleKind) Valid() bool {
	_, ok := lifecycleNames[k]
	return ok
}

// LifecycleEvent is emitted after the corresponding state change has been
// acknowledged by the server (where a server is involved).
type LifecycleEvent struct {
	Kind             LifecycleKind
	TransportID      TransportID
	ProducerID       ProducerID
	GlobalProducerID ProducerID
	ConsumerID       ConsumerID
	ParticipantID    ParticipantID
	MediaKind        MediaKind
	TrackID          TrackID
	// Track is set for ConsumerAdded and TrackAdded.
	Track RemoteTrack
	Err   error
}
