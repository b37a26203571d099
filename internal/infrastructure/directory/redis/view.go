package redis

import "stagewire/internal/core/domain"

// view is one subscriber's picture of a stage. Pub/sub is at-most-once and
// snapshots are replayed after every resubscribe, so events are folded into
// the view and only real changes are delivered.
type view struct {
	entries map[string]domain.DirectoryEvent
}

func newView() *view {
	return &view{entries: make(map[string]domain.DirectoryEvent)}
}

func viewKey(ev domain.DirectoryEvent) string {
	switch ev.Kind {
	case domain.MemberAdded, domain.MemberChanged, domain.MemberRemoved:
		return string(collMembers) + ":" + ev.Key
	case domain.ProducerAdded, domain.ProducerChanged, domain.ProducerRemoved:
		return string(collProducers) + ":" + ev.Key
	default:
		return string(collVolumes) + ":" + ev.Key
	}
}

func isRemoval(kind domain.DirectoryEventKind) bool {
	return kind == domain.MemberRemoved || kind == domain.ProducerRemoved || kind == domain.VolumeRemoved
}

func changedKind(kind domain.DirectoryEventKind) domain.DirectoryEventKind {
	switch kind {
	case domain.MemberAdded:
		return domain.MemberChanged
	case domain.ProducerAdded:
		return domain.ProducerChanged
	case domain.VolumeAdded:
		return domain.VolumeChanged
	}
	return kind
}

func addedKind(kind domain.DirectoryEventKind) domain.DirectoryEventKind {
	switch kind {
	case domain.MemberChanged:
		return domain.MemberAdded
	case domain.ProducerChanged:
		return domain.ProducerAdded
	case domain.VolumeChanged:
		return domain.VolumeAdded
	}
	return kind
}

func sameEntry(a, b domain.DirectoryEvent) bool {
	switch {
	case a.Member != nil && b.Member != nil:
		return *a.Member == *b.Member
	case a.Producer != nil && b.Producer != nil:
		return *a.Producer == *b.Producer
	case a.Volume != nil && b.Volume != nil:
		return *a.Volume == *b.Volume
	}
	return false
}

// apply folds ev into the view and reports the event to deliver, if any.
func (v *view) apply(ev domain.DirectoryEvent) (domain.DirectoryEvent, bool) {
	key := viewKey(ev)
	cur, known := v.entries[key]

	if isRemoval(ev.Kind) {
		if !known {
			return ev, false
		}
		delete(v.entries, key)
		return ev, true
	}

	if known {
		if sameEntry(cur, ev) {
			return ev, false
		}
		ev.Kind = changedKind(ev.Kind)
	} else {
		ev.Kind = addedKind(ev.Kind)
	}
	v.entries[key] = ev
	return ev, true
}

// reconcile folds a full snapshot into the view. Entries missing from the
// snapshot are removed; members are removed last.
func (v *view) reconcile(snapshot []domain.DirectoryEvent) []domain.DirectoryEvent {
	present := make(map[string]struct{}, len(snapshot))
	var out []domain.DirectoryEvent
	for _, ev := range snapshot {
		present[viewKey(ev)] = struct{}{}
		if delivered, ok := v.apply(ev); ok {
			out = append(out, delivered)
		}
	}

	var members []domain.DirectoryEvent
	for key, cur := range v.entries {
		if _, ok := present[key]; ok {
			continue
		}
		removal := domain.DirectoryEvent{Key: cur.Key}
		switch {
		case cur.Member != nil:
			removal.Kind = domain.MemberRemoved
			members = append(members, removal)
			delete(v.entries, key)
			continue
		case cur.Producer != nil:
			removal.Kind = domain.ProducerRemoved
		default:
			removal.Kind = domain.VolumeRemoved
		}
		delete(v.entries, key)
		out = append(out, removal)
	}
	return append(out, members...)
}
