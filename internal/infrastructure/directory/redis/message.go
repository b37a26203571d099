package redis

import (
	"encoding/json"
	"fmt"

	"stagewire/internal/core/domain"
)

// message is what goes over the stage events channel. Kind is the event name
// so other tools can read the feed with redis-cli.
type message struct {
	Kind     string                 `json:"kind"`
	Key      string                 `json:"key"`
	Member   *domain.Participant    `json:"member,omitempty"`
	Producer *domain.GlobalProducer `json:"producer,omitempty"`
	Volume   *domain.Volume         `json:"volume,omitempty"`
	// Owner restricts delivery of volume events.
	Owner domain.ParticipantID `json:"owner,omitempty"`
}

func encodeEvent(ev domain.DirectoryEvent, owner domain.ParticipantID) ([]byte, error) {
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("invalid directory event kind %d", ev.Kind)
	}
	return json.Marshal(message{
		Kind:     ev.Kind.String(),
		Key:      ev.Key,
		Member:   ev.Member,
		Producer: ev.Producer,
		Volume:   ev.Volume,
		Owner:    owner,
	})
}

func decodeEvent(payload string) (domain.DirectoryEvent, domain.ParticipantID, error) {
	var msg message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return domain.DirectoryEvent{}, "", err
	}
	kind, ok := domain.ParseDirectoryEventKind(msg.Kind)
	if !ok {
		return domain.DirectoryEvent{}, "", fmt.Errorf("unknown directory event %q", msg.Kind)
	}
	if msg.Key == "" {
		return domain.DirectoryEvent{}, "", fmt.Errorf("directory event %q without key", msg.Kind)
	}
	ev := domain.DirectoryEvent{
		Kind:     kind,
		Key:      msg.Key,
		Member:   msg.Member,
		Producer: msg.Producer,
		Volume:   msg.Volume,
	}
	switch kind {
	case domain.MemberAdded, domain.MemberChanged:
		if ev.Member == nil {
			return domain.DirectoryEvent{}, "", fmt.Errorf("%s without member", msg.Kind)
		}
	case domain.ProducerAdded, domain.ProducerChanged:
		if ev.Producer == nil {
			return domain.DirectoryEvent{}, "", fmt.Errorf("%s without producer", msg.Kind)
		}
	case domain.VolumeAdded, domain.VolumeChanged:
		if ev.Volume == nil {
			return domain.DirectoryEvent{}, "", fmt.Errorf("%s without volume", msg.Kind)
		}
	}
	return ev, msg.Owner, nil
}

// expiryEvent turns an expired entry key of stageID into a removal.
func expiryEvent(stageID domain.StageID, key string) (domain.DirectoryEvent, domain.ParticipantID, bool) {
	sid, coll, id, ok := parseEntryKey(key)
	if !ok || sid != stageID {
		return domain.DirectoryEvent{}, "", false
	}
	switch coll {
	case collMembers:
		return domain.DirectoryEvent{Kind: domain.MemberRemoved, Key: id}, "", true
	case collProducers:
		return domain.DirectoryEvent{Kind: domain.ProducerRemoved, Key: id}, "", true
	case collVolumes:
		return domain.DirectoryEvent{Kind: domain.VolumeRemoved, Key: id}, volumeOwner(id), true
	}
	return domain.DirectoryEvent{}, "", false
}
