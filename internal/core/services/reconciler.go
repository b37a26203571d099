package services

import (
	"sort"

	"stagewire/internal/core/domain"
)

// Snapshot is the directory view the reconciler works on.
type Snapshot struct {
	LocalID   domain.ParticipantID
	Members   map[domain.ParticipantID]domain.Participant
	Producers map[domain.ProducerID]domain.GlobalProducer
}

// Materialized is what the session currently has in place.
type Materialized struct {
	// SFU is true while the SFU transports are connected.
	SFU bool
	// P2P is true when peer connections are the media path.
	P2P bool
	// Consumed maps global producer IDs with an active or pending consumer
	// to their kind.
	Consumed     map[domain.ProducerID]domain.MediaKind
	Producing    map[domain.MediaKind]bool
	Unproducible map[domain.MediaKind]bool
	Peers        map[domain.ParticipantID]bool
}

// Plan is the set of commands that brings Materialized in line with the
// snapshot and intent.
type Plan struct {
	Consume    []domain.GlobalProducer
	Unconsume  []domain.ProducerID
	Produce    []domain.MediaKind
	Unproduce  []domain.MediaKind
	Connect    []domain.ParticipantID
	Disconnect []domain.ParticipantID
}

func (p Plan) Empty() bool {
	return len(p.Consume) == 0 && len(p.Unconsume) == 0 &&
		len(p.Produce) == 0 && len(p.Unproduce) == 0 &&
		len(p.Connect) == 0 && len(p.Disconnect) == 0
}

// Reconcile computes the plan. It has no side effects, so running it again
// after the plan has been applied yields an empty plan.
func Reconcile(snap Snapshot, intent domain.Intent, m Materialized) Plan {
	var plan Plan

	if m.SFU {
		for id, p := range snap.Producers {
			if _, ok := m.Consumed[id]; ok {
				continue
			}
			if wantConsumer(snap, intent, p) {
				plan.Consume = append(plan.Consume, p)
			}
		}
	}

	for id := range m.Consumed {
		p, ok := snap.Producers[id]
		if !ok || !wantConsumer(snap, intent, p) {
			plan.Unconsume = append(plan.Unconsume, id)
		}
	}

	for _, kind := range domain.MediaKinds {
		producing := m.Producing[kind]
		switch {
		case intent.Send(kind) && !producing && !m.Unproducible[kind] && (m.SFU || m.P2P):
			plan.Produce = append(plan.Produce, kind)
		case !intent.Send(kind) && producing:
			plan.Unproduce = append(plan.Unproduce, kind)
		}
	}

	if m.P2P {
		for id, member := range snap.Members {
			if id == snap.LocalID || !member.Online || m.Peers[id] {
				continue
			}
			// The lower ID offers; the other side waits for the offer.
			if snap.LocalID < id {
				plan.Connect = append(plan.Connect, id)
			}
		}
	}
	for id := range m.Peers {
		member, ok := snap.Members[id]
		if !ok || !member.Online {
			plan.Disconnect = append(plan.Disconnect, id)
		}
	}

	sort.Slice(plan.Consume, func(i, j int) bool { return plan.Consume[i].ID < plan.Consume[j].ID })
	sort.Slice(plan.Unconsume, func(i, j int) bool { return plan.Unconsume[i] < plan.Unconsume[j] })
	sort.Slice(plan.Connect, func(i, j int) bool { return plan.Connect[i] < plan.Connect[j] })
	sort.Slice(plan.Disconnect, func(i, j int) bool { return plan.Disconnect[i] < plan.Disconnect[j] })

	return plan
}

func wantConsumer(snap Snapshot, intent domain.Intent, p domain.GlobalProducer) bool {
	if !intent.Receive(p.Kind) || p.OwnerID == snap.LocalID {
		return false
	}
	_, ownerKnown := snap.Members[p.OwnerID]
	return ownerKnown
}
