package domain

// Intent holds the local send/receive flags.
type Intent struct {
	SendAudio    bool `json:"sendAudio" yaml:"send_audio"`
	SendVideo    bool `json:"sendVideo" yaml:"send_video"`
	ReceiveAudio bool `json:"receiveAudio" yaml:"receive_audio"`
	ReceiveVideo bool `json:"receiveVideo" yaml:"receive_video"`
}

func (i Intent) Send(kind MediaKind) bool {
	switch kind {
	case KindAudio:
		return i.SendAudio
	case KindVideo:
		return i.SendVideo
	}
	return false
}

func (i Intent) Receive(kind MediaKind) bool {
	switch kind {
	case KindAudio:
		return i.ReceiveAudio
	case KindVideo:
		return i.ReceiveVideo
	}
	return false
}
