package domain

// LocalProducer describes what the local device wants to produce. It is a
// closed sum: AudioProducer or VideoProducer.
type LocalProducer interface {
	Kind() MediaKind
	isLocalProducer()
}

type AudioProducer struct {
	DeviceID DeviceID
	Stereo   bool
	DTX      bool
}

func (AudioProducer) Kind() MediaKind  { return KindAudio }
func (AudioProducer) isLocalProducer() {}

type VideoProducer struct {
	DeviceID   DeviceID
	Simulcast  bool
	MaxBitrate int // kbps, 0 means engine default
}

func (VideoProducer) Kind() MediaKind  { return KindVideo }
func (VideoProducer) isLocalProducer() {}

// NewLocalProducer returns the producer variant for kind with default options.
func NewLocalProducer(kind MediaKind, deviceID DeviceID) (LocalProducer, bool) {
	switch kind {
	case KindAudio:
		return AudioProducer{DeviceID: deviceID}, true
	case KindVideo:
		return VideoProducer{DeviceID: deviceID}, true
	}
	return nil, false
}

// ProducerDevice returns the device a local producer belongs to.
func ProducerDevice(p LocalProducer) DeviceID {
	switch v := p.(type) {
	case AudioProducer:
		return v.DeviceID
	case VideoProducer:
		return v.DeviceID
	}
	return ""
}
