package services

import (
	"sort"

	"stagewire/internal/core/domain"
)

// DirectoryState is the local projection of the directory feed. It is owned
// by the session loop and is not safe for concurrent use.
type DirectoryState struct {
	localID   domain.ParticipantID
	members   map[domain.ParticipantID]domain.Participant
	producers map[domain.ProducerID]domain.GlobalProducer
	volumes   map[string]domain.Volume
}

func NewDirectoryState(localID domain.ParticipantID) *DirectoryState {
	return &DirectoryState{
		localID:   localID,
		members:   make(map[domain.ParticipantID]domain.Participant),
		producers: make(map[domain.ProducerID]domain.GlobalProducer),
		volumes:   make(map[string]domain.Volume),
	}
}

// Apply folds one event into the projection and reports whether anything
// changed. Events referencing unknown entities are dropped.
func (s *DirectoryState) Apply(ev domain.DirectoryEvent) bool {
	switch ev.Kind {
	case domain.MemberAdded:
		if ev.Member == nil {
			return false
		}
		return s.putMember(*ev.Member)

	case domain.MemberChanged:
		if ev.Member == nil {
			return false
		}
		if _, ok := s.members[ev.Member.ID]; !ok {
			return false
		}
		return s.putMember(*ev.Member)

	case domain.MemberRemoved:
		id := domain.ParticipantID(ev.Key)
		if _, ok := s.members[id]; !ok {
			return false
		}
		delete(s.members, id)
		s.dropVolumesFor(ev.Key)
		return true

	case domain.ProducerAdded:
		if ev.Producer == nil || !ev.Producer.Kind.Valid() {
			return false
		}
		return s.putProducer(*ev.Producer)

	case domain.ProducerChanged:
		if ev.Producer == nil {
			return false
		}
		if _, ok := s.producers[ev.Producer.ID]; !ok {
			return false
		}
		return s.putProducer(*ev.Producer)

	case domain.ProducerRemoved:
		id := domain.ProducerID(ev.Key)
		if _, ok := s.producers[id]; !ok {
			return false
		}
		delete(s.producers, id)
		s.dropVolumesFor(ev.Key)
		return true

	case domain.VolumeAdded, domain.VolumeChanged:
		if ev.Volume == nil || !s.knownTarget(ev.Volume.TargetID) {
			return false
		}
		if ev.Kind == domain.VolumeChanged {
			if _, ok := s.volumes[ev.Volume.ID]; !ok {
				return false
			}
		}
		if cur, ok := s.volumes[ev.Volume.ID]; ok && cur == *ev.Volume {
			return false
		}
		s.volumes[ev.Volume.ID] = *ev.Volume
		return true

	case domain.VolumeRemoved:
		if _, ok := s.volumes[ev.Key]; !ok {
			return false
		}
		delete(s.volumes, ev.Key)
		return true
	}
	return false
}

func (s *DirectoryState) putMember(m domain.Participant) bool {
	if cur, ok := s.members[m.ID]; ok && cur == m {
		return false
	}
	s.members[m.ID] = m
	return true
}

func (s *DirectoryState) putProducer(p domain.GlobalProducer) bool {
	if cur, ok := s.producers[p.ID]; ok && cur == p {
		return false
	}
	s.producers[p.ID] = p
	return true
}

func (s *DirectoryState) knownTarget(id string) bool {
	if _, ok := s.members[domain.ParticipantID(id)]; ok {
		return true
	}
	_, ok := s.producers[domain.ProducerID(id)]
	return ok
}

func (s *DirectoryState) dropVolumesFor(targetID string) {
	for id, v := range s.volumes {
		if v.TargetID == targetID {
			delete(s.volumes, id)
		}
	}
}

func (s *DirectoryState) Member(id domain.ParticipantID) (domain.Participant, bool) {
	m, ok := s.members[id]
	return m, ok
}

func (s *DirectoryState) Producer(id domain.ProducerID) (domain.GlobalProducer, bool) {
	p, ok := s.producers[id]
	return p, ok
}

// ProducersOf lists the producers owned by a participant, sorted by ID.
func (s *DirectoryState) ProducersOf(owner domain.ParticipantID) []domain.GlobalProducer {
	var out []domain.GlobalProducer
	for _, p := range s.producers {
		if p.OwnerID == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Volume returns the volume targeting a member or producer.
func (s *DirectoryState) Volume(targetID string) (domain.Volume, bool) {
	for _, v := range s.volumes {
		if v.TargetID == targetID {
			return v, true
		}
	}
	return domain.Volume{}, false
}

// Snapshot copies the projection for the reconciler.
func (s *DirectoryState) Snapshot() Snapshot {
	snap := Snapshot{
		LocalID:   s.localID,
		Members:   make(map[domain.ParticipantID]domain.Participant, len(s.members)),
		Producers: make(map[domain.ProducerID]domain.GlobalProducer, len(s.producers)),
	}
	for id, m := range s.members {
		snap.Members[id] = m
	}
	for id, p := range s.producers {
		snap.Producers[id] = p
	}
	return snap
}
