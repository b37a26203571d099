// Package memory is an in-process directory backend. Every Directory bound to
// the same Hub sees the same stages.
package memory

import (
	"sort"
	"sync"

	"stagewire/internal/core/domain"
	"stagewire/internal/infrastructure/directory/feed"
)

type Hub struct {
	mu     sync.Mutex
	stages map[domain.StageID]*stage
}

func NewHub() *Hub {
	return &Hub{stages: make(map[domain.StageID]*stage)}
}

type subscriber struct {
	owner domain.ParticipantID
	queue *feed.Queue
}

type ownedVolume struct {
	owner  domain.ParticipantID
	volume domain.Volume
}

type stage struct {
	info      domain.Stage
	members   map[domain.ParticipantID]domain.Participant
	producers map[domain.ProducerID]domain.GlobalProducer
	volumes   map[string]ownedVolume
	devices   map[domain.ParticipantID]domain.Intent
	subs      map[*subscriber]struct{}
}

func newStage(info domain.Stage) *stage {
	return &stage{
		info:      info,
		members:   make(map[domain.ParticipantID]domain.Participant),
		producers: make(map[domain.ProducerID]domain.GlobalProducer),
		volumes:   make(map[string]ownedVolume),
		devices:   make(map[domain.ParticipantID]domain.Intent),
		subs:      make(map[*subscriber]struct{}),
	}
}

// broadcast delivers ev to every subscriber. Volume events only reach the
// participant who owns the volume.
func (s *stage) broadcast(ev domain.DirectoryEvent, owner domain.ParticipantID) {
	for sub := range s.subs {
		if owner != "" && sub.owner != owner {
			continue
		}
		sub.queue.Push(ev)
	}
}

// snapshot lists the current content as added events, members first.
func (s *stage) snapshot(viewer domain.ParticipantID) []domain.DirectoryEvent {
	events := make([]domain.DirectoryEvent, 0, len(s.members)+len(s.producers)+len(s.volumes))

	memberIDs := make([]string, 0, len(s.members))
	for id := range s.members {
		memberIDs = append(memberIDs, string(id))
	}
	sort.Strings(memberIDs)
	for _, id := range memberIDs {
		m := s.members[domain.ParticipantID(id)]
		events = append(events, domain.DirectoryEvent{Kind: domain.MemberAdded, Key: id, Member: &m})
	}

	producerIDs := make([]string, 0, len(s.producers))
	for id := range s.producers {
		producerIDs = append(producerIDs, string(id))
	}
	sort.Strings(producerIDs)
	for _, id := range producerIDs {
		p := s.producers[domain.ProducerID(id)]
		events = append(events, domain.DirectoryEvent{Kind: domain.ProducerAdded, Key: id, Producer: &p})
	}

	volumeIDs := make([]string, 0, len(s.volumes))
	for id, v := range s.volumes {
		if v.owner == viewer {
			volumeIDs = append(volumeIDs, id)
		}
	}
	sort.Strings(volumeIDs)
	for _, id := range volumeIDs {
		v := s.volumes[id].volume
		events = append(events, domain.DirectoryEvent{Kind: domain.VolumeAdded, Key: id, Volume: &v})
	}
	return events
}

// removeParticipant drops everything a participant owns and announces it.
func (s *stage) removeParticipant(id domain.ParticipantID) {
	for pid, p := range s.producers {
		if p.OwnerID == id {
			delete(s.producers, pid)
			s.broadcast(domain.DirectoryEvent{Kind: domain.ProducerRemoved, Key: string(pid)}, "")
		}
	}
	for vid, v := range s.volumes {
		if v.owner == id {
			delete(s.volumes, vid)
		}
	}
	delete(s.devices, id)
	if _, ok := s.members[id]; ok {
		delete(s.members, id)
		s.broadcast(domain.DirectoryEvent{Kind: domain.MemberRemoved, Key: string(id)}, "")
	}
	for sub := range s.subs {
		if sub.owner == id {
			sub.queue.Close()
			delete(s.subs, sub)
		}
	}
}
