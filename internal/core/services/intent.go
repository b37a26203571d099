package services

import (
	"sync"

	"stagewire/internal/core/domain"
)

// IntentState holds the local send/receive flags and fans changes out to
// subscribers. Setting a flag to its current value is a no-op.
type IntentState struct {
	mu     sync.Mutex
	intent domain.Intent
	nextID int
	subs   map[int]chan domain.Intent
}

func NewIntentState(initial domain.Intent) *IntentState {
	return &IntentState{
		intent: initial,
		subs:   make(map[int]chan domain.Intent),
	}
}

func (s *IntentState) Current() domain.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

func (s *IntentState) SetSendAudio(v bool) bool {
	return s.update(func(i *domain.Intent) { i.SendAudio = v })
}

func (s *IntentState) SetSendVideo(v bool) bool {
	return s.update(func(i *domain.Intent) { i.SendVideo = v })
}

func (s *IntentState) SetReceiveAudio(v bool) bool {
	return s.update(func(i *domain.Intent) { i.ReceiveAudio = v })
}

func (s *IntentState) SetReceiveVideo(v bool) bool {
	return s.update(func(i *domain.Intent) { i.ReceiveVideo = v })
}

// SetSend toggles the send flag of kind.
func (s *IntentState) SetSend(kind domain.MediaKind, v bool) bool {
	switch kind {
	case domain.KindAudio:
		return s.SetSendAudio(v)
	case domain.KindVideo:
		return s.SetSendVideo(v)
	}
	return false
}

// SetReceive toggles the receive flag of kind.
func (s *IntentState) SetReceive(kind domain.MediaKind, v bool) bool {
	switch kind {
	case domain.KindAudio:
		return s.SetReceiveAudio(v)
	case domain.KindVideo:
		return s.SetReceiveVideo(v)
	}
	return false
}

// Subscribe returns a channel that always holds the latest intent after a
// change. Intermediate values may be skipped by slow readers.
func (s *IntentState) Subscribe() (<-chan domain.Intent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	ch := make(chan domain.Intent, 1)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *IntentState) update(fn func(*domain.Intent)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.intent
	fn(&next)
	if next == s.intent {
		return false
	}
	s.intent = next

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return true
}
