package domain

import "github.com/pion/rtp"

// RemoteTrack is an incoming media track handed to rendering collaborators.
type RemoteTrack interface {
	ID() string
	Kind() MediaKind
	ReadRTP() (*rtp.Packet, error)
}
