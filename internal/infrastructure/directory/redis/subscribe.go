package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/infrastructure/directory/feed"

	"github.com/redis/go-redis/v9"
)

const scanCount = 100

// Subscribe streams the joined stage. Each (re)subscription to the events
// channel replays a snapshot, so a dropped Redis connection heals itself.
func (d *Directory) Subscribe(ctx context.Context) (<-chan domain.DirectoryEvent, error) {
	localID, stageID, err := d.joined()
	if err != nil {
		return nil, err
	}

	pubsub := d.client.Subscribe(ctx, eventsChannel(stageID), expiredChannel(d.opts.DB))
	q := feed.New()
	go q.Run(ctx)
	go d.receive(ctx, pubsub, q, stageID, localID)
	return q.C(), nil
}

func (d *Directory) receive(ctx context.Context, pubsub *redis.PubSub, q *feed.Queue, stageID domain.StageID, localID domain.ParticipantID) {
	defer q.Close()
	defer pubsub.Close()

	v := newView()
	backoff := d.opts.Retry.InitialDelay
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warnw("directory subscription interrupted", "stage_id", stageID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-q.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" || m.Channel != eventsChannel(stageID) {
				continue
			}
			snapshot, err := d.snapshot(ctx, stageID, localID)
			if err != nil {
				d.logger.Warnw("directory snapshot failed", "stage_id", stageID, "error", err)
				continue
			}
			q.Push(v.reconcile(snapshot)...)

		case *redis.Message:
			var (
				ev    domain.DirectoryEvent
				owner domain.ParticipantID
				ok    bool
			)
			if m.Channel == eventsChannel(stageID) {
				ev, owner, err = decodeEvent(m.Payload)
				if err != nil {
					d.logger.Warnw("dropping malformed directory event", "stage_id", stageID, "error", err)
					continue
				}
				ok = true
			} else {
				ev, owner, ok = expiryEvent(stageID, m.Payload)
			}
			if !ok || (owner != "" && owner != localID) {
				continue
			}
			if delivered, ok := v.apply(ev); ok {
				q.Push(delivered)
			}
		}

		select {
		case <-q.Done():
			return
		default:
		}
	}
}

// snapshot reads the stage: members, then producers, then the local
// participant's volumes.
func (d *Directory) snapshot(ctx context.Context, stageID domain.StageID, localID domain.ParticipantID) ([]domain.DirectoryEvent, error) {
	var events []domain.DirectoryEvent

	members, err := d.scanValues(ctx, entryPattern(stageID, collMembers))
	if err != nil {
		return nil, err
	}
	for _, raw := range members {
		var p domain.Participant
		if json.Unmarshal([]byte(raw), &p) != nil {
			continue
		}
		events = append(events, domain.DirectoryEvent{Kind: domain.MemberAdded, Key: string(p.ID), Member: &p})
	}

	producers, err := d.scanValues(ctx, entryPattern(stageID, collProducers))
	if err != nil {
		return nil, err
	}
	for _, raw := range producers {
		var p domain.GlobalProducer
		if json.Unmarshal([]byte(raw), &p) != nil {
			continue
		}
		events = append(events, domain.DirectoryEvent{Kind: domain.ProducerAdded, Key: string(p.ID), Producer: &p})
	}

	volumes, err := d.scanValues(ctx, entryKey(stageID, collVolumes, volumeID(localID, "*")))
	if err != nil {
		return nil, err
	}
	for _, raw := range volumes {
		var vol domain.Volume
		if json.Unmarshal([]byte(raw), &vol) != nil {
			continue
		}
		events = append(events, domain.DirectoryEvent{Kind: domain.VolumeAdded, Key: vol.ID, Volume: &vol})
	}
	return events, nil
}

// scanValues returns the values of all keys matching pattern, ordered by key.
// Keys that expire between SCAN and MGET are skipped.
func (d *Directory) scanValues(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := d.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pattern, err)
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
