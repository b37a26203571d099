// Package redis is the shared directory backend. Entries carry a TTL that a
// heartbeat keeps refreshing; changes travel over a per-stage pub/sub channel
// and expired entries are announced from key expiry notifications.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"
	"stagewire/pkg/auth"
	"stagewire/pkg/circuitbreaker"
	apperrors "stagewire/pkg/errors"
	"stagewire/pkg/retry"
	"stagewire/pkg/tracing"
	"stagewire/pkg/validation"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Options struct {
	DB                int
	EntryTTL          time.Duration
	HeartbeatInterval time.Duration
	Breaker           circuitbreaker.Config
	// Retry governs the initial ping and resubscribe backoff.
	Retry retry.Config
}

type Directory struct {
	client  *redis.Client
	opts    Options
	tokens  *auth.TokenService
	token   string
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	connected   bool
	localID     domain.ParticipantID
	displayName string
	stageID     domain.StageID
	// owned holds the keys this participant wrote; the heartbeat refreshes
	// them and leaving deletes them.
	owned map[string]struct{}
	stop  context.CancelFunc
	wg    sync.WaitGroup
}

var _ ports.Directory = (*Directory)(nil)

func NewDirectory(client *redis.Client, opts Options, tokens *auth.TokenService, token string, logger *zap.SugaredLogger) *Directory {
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= opts.EntryTTL {
		opts.HeartbeatInterval = opts.EntryTTL / 3
	}

	d := &Directory{
		client: client,
		opts:   opts,
		tokens: tokens,
		token:  token,
		logger: logger,
		owned:  make(map[string]struct{}),
	}
	d.breaker = circuitbreaker.New(opts.Breaker)
	d.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("directory circuit breaker state changed", "from", from, "to", to)
	})
	return d
}

func (d *Directory) Connect(ctx context.Context) error {
	claims, err := d.tokens.Validate(d.token)
	if err != nil {
		return fmt.Errorf("directory authentication failed: %w", err)
	}

	if err := retry.Retry(ctx, d.opts.Retry, func() error {
		return d.client.Ping(ctx).Err()
	}); err != nil {
		return fmt.Errorf("directory unreachable: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	d.connected = true
	d.localID = domain.ParticipantID(claims.ParticipantID())
	d.displayName = claims.DisplayName

	hbCtx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	d.wg.Add(1)
	go d.heartbeat(hbCtx)
	return nil
}

// Close leaves the joined stage and stops the heartbeat. The Redis client is
// owned by the caller.
func (d *Directory) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	stageID := d.stageID
	d.mu.Unlock()

	var err error
	if stageID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = d.leave(ctx)
		cancel()
	}

	d.mu.Lock()
	d.connected = false
	stop := d.stop
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
	d.wg.Wait()
	return err
}

func (d *Directory) LocalID() domain.ParticipantID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localID
}

func (d *Directory) identity() (domain.ParticipantID, domain.StageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return "", "", domain.ErrNotConnected
	}
	return d.localID, d.stageID, nil
}

func (d *Directory) joined() (domain.ParticipantID, domain.StageID, error) {
	localID, stageID, err := d.identity()
	if err != nil {
		return "", "", err
	}
	if stageID == "" {
		return "", "", fmt.Errorf("%w: no stage joined", domain.ErrInvalidState)
	}
	return localID, stageID, nil
}

// write runs fn behind the circuit breaker.
func (d *Directory) write(ctx context.Context, op string, stageID domain.StageID, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceDirectoryOperation(ctx, op, string(stageID))
	defer span.End()

	err := d.breaker.Execute(ctx, fn)
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return apperrors.Wrap(err, apperrors.ErrCodeNotConnected, "directory unavailable")
		}
	}
	return err
}

func (d *Directory) publish(ctx context.Context, pipe redis.Pipeliner, stageID domain.StageID, ev domain.DirectoryEvent, owner domain.ParticipantID) error {
	data, err := encodeEvent(ev, owner)
	if err != nil {
		return err
	}
	pipe.Publish(ctx, eventsChannel(stageID), data)
	return nil
}

// putEntry stores an owned entry with the entry TTL and announces it.
func (d *Directory) putEntry(ctx context.Context, stageID domain.StageID, key string, value interface{}, ev domain.DirectoryEvent, owner domain.ParticipantID) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, d.opts.EntryTTL)
		if ev.Kind == 0 {
			return nil
		}
		return d.publish(ctx, pipe, stageID, ev, owner)
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.owned[key] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *Directory) CreateStage(ctx context.Context, name string) (domain.StageID, error) {
	localID, _, err := d.identity()
	if err != nil {
		return "", err
	}
	if err := validation.ValidateStageName(name); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error())
	}

	stage := domain.Stage{ID: domain.StageID(uuid.NewString()), Name: name, OwnerID: localID}
	data, err := json.Marshal(stage)
	if err != nil {
		return "", err
	}
	err = d.write(ctx, "create_stage", stage.ID, func(ctx context.Context) error {
		return d.client.HSet(ctx, stagesKey(), string(stage.ID), data).Err()
	})
	if err != nil {
		return "", fmt.Errorf("create stage: %w", err)
	}

	d.logger.Infow("stage created", "stage_id", stage.ID, "name", name)
	return stage.ID, nil
}

func (d *Directory) JoinStage(ctx context.Context, stageID domain.StageID) error {
	localID, current, err := d.identity()
	if err != nil {
		return err
	}

	exists, err := d.client.HExists(ctx, stagesKey(), string(stageID)).Result()
	if err != nil {
		return fmt.Errorf("look up stage: %w", err)
	}
	if !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("stage %s", stageID))
	}

	if current != "" && current != stageID {
		if err := d.leave(ctx); err != nil {
			d.logger.Warnw("failed to leave previous stage", "stage_id", current, "error", err)
		}
	}

	d.mu.Lock()
	member := domain.Participant{ID: localID, DisplayName: d.displayName, Online: true}
	d.mu.Unlock()

	err = d.write(ctx, "join_stage", stageID, func(ctx context.Context) error {
		ev := domain.DirectoryEvent{Kind: domain.MemberAdded, Key: string(localID), Member: &member}
		return d.putEntry(ctx, stageID, entryKey(stageID, collMembers, string(localID)), member, ev, "")
	})
	if err != nil {
		return fmt.Errorf("join stage: %w", err)
	}

	d.mu.Lock()
	d.stageID = stageID
	d.mu.Unlock()

	d.logger.Infow("stage joined", "stage_id", stageID, "participant_id", localID)
	return nil
}

func (d *Directory) LeaveStage(ctx context.Context) error {
	if _, _, err := d.identity(); err != nil {
		return err
	}
	return d.leave(ctx)
}

// leave deletes every owned entry and announces the removals. Producers go
// before the member so observers never see producers of a departed member.
func (d *Directory) leave(ctx context.Context) error {
	d.mu.Lock()
	stageID := d.stageID
	keys := make([]string, 0, len(d.owned))
	for key := range d.owned {
		keys = append(keys, key)
	}
	d.mu.Unlock()

	if stageID == "" {
		return nil
	}

	err := d.write(ctx, "leave_stage", stageID, func(ctx context.Context) error {
		_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			var member []string
			for _, key := range keys {
				pipe.Del(ctx, key)
				sid, coll, id, ok := parseEntryKey(key)
				if !ok || sid != stageID {
					continue
				}
				switch coll {
				case collProducers:
					if err := d.publish(ctx, pipe, stageID, domain.DirectoryEvent{Kind: domain.ProducerRemoved, Key: id}, ""); err != nil {
						return err
					}
				case collVolumes:
					if err := d.publish(ctx, pipe, stageID, domain.DirectoryEvent{Kind: domain.VolumeRemoved, Key: id}, volumeOwner(id)); err != nil {
						return err
					}
				case collMembers:
					member = append(member, id)
				}
			}
			for _, id := range member {
				if err := d.publish(ctx, pipe, stageID, domain.DirectoryEvent{Kind: domain.MemberRemoved, Key: id}, ""); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("leave stage: %w", err)
	}

	d.mu.Lock()
	d.stageID = ""
	d.owned = make(map[string]struct{})
	d.mu.Unlock()
	return nil
}

func (d *Directory) PublishProducer(ctx context.Context, desc domain.ProducerDescriptor) (domain.ProducerID, error) {
	localID, stageID, err := d.joined()
	if err != nil {
		return "", err
	}
	if !desc.Kind.Valid() {
		return "", apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid media kind %q", desc.Kind)
	}
	if desc.OwnerID == "" {
		desc.OwnerID = localID
	}
	if desc.OwnerID != localID {
		return "", apperrors.NewInvalidInputError("cannot publish a producer for another participant")
	}

	producer := domain.GlobalProducer{
		ID:               domain.ProducerID(uuid.NewString()),
		OwnerID:          desc.OwnerID,
		RouterID:         desc.RouterID,
		DeviceID:         desc.DeviceID,
		Kind:             desc.Kind,
		RouterProducerID: desc.RouterProducerID,
	}
	err = d.write(ctx, "publish_producer", stageID, func(ctx context.Context) error {
		ev := domain.DirectoryEvent{Kind: domain.ProducerAdded, Key: string(producer.ID), Producer: &producer}
		return d.putEntry(ctx, stageID, entryKey(stageID, collProducers, string(producer.ID)), producer, ev, "")
	})
	if err != nil {
		return "", fmt.Errorf("publish producer: %w", err)
	}
	return producer.ID, nil
}

func (d *Directory) UnpublishProducer(ctx context.Context, id domain.ProducerID) error {
	_, stageID, err := d.joined()
	if err != nil {
		return err
	}

	key := entryKey(stageID, collProducers, string(id))
	d.mu.Lock()
	_, owned := d.owned[key]
	d.mu.Unlock()
	if !owned {
		return apperrors.NewNotFoundError(fmt.Sprintf("producer %s", id))
	}

	err = d.write(ctx, "unpublish_producer", stageID, func(ctx context.Context) error {
		_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return d.publish(ctx, pipe, stageID, domain.DirectoryEvent{Kind: domain.ProducerRemoved, Key: string(id)}, "")
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("unpublish producer: %w", err)
	}

	d.mu.Lock()
	delete(d.owned, key)
	d.mu.Unlock()
	return nil
}

func (d *Directory) SetVolume(ctx context.Context, targetID string, value float64) error {
	localID, stageID, err := d.joined()
	if err != nil {
		return err
	}
	if err := validation.ValidateID(targetID, "volume target"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error())
	}
	if err := validation.ValidateVolume(value); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error())
	}

	n, err := d.client.Exists(ctx,
		entryKey(stageID, collMembers, targetID),
		entryKey(stageID, collProducers, targetID),
	).Result()
	if err != nil {
		return fmt.Errorf("look up volume target: %w", err)
	}
	if n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("volume target %s", targetID))
	}

	vol := domain.Volume{ID: volumeID(localID, targetID), TargetID: targetID, Value: value}
	key := entryKey(stageID, collVolumes, vol.ID)

	kind := domain.VolumeAdded
	raw, err := d.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return fmt.Errorf("read volume: %w", err)
	default:
		var cur domain.Volume
		if json.Unmarshal([]byte(raw), &cur) == nil && cur == vol {
			return nil
		}
		kind = domain.VolumeChanged
	}

	err = d.write(ctx, "set_volume", stageID, func(ctx context.Context) error {
		ev := domain.DirectoryEvent{Kind: kind, Key: vol.ID, Volume: &vol}
		return d.putEntry(ctx, stageID, key, vol, ev, localID)
	})
	if err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	return nil
}

func (d *Directory) UpdateDevice(ctx context.Context, intent domain.Intent) error {
	localID, stageID, err := d.joined()
	if err != nil {
		return err
	}
	err = d.write(ctx, "update_device", stageID, func(ctx context.Context) error {
		return d.putEntry(ctx, stageID, entryKey(stageID, collDevices, string(localID)), intent, domain.DirectoryEvent{}, "")
	})
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

// heartbeat keeps owned entries alive. A participant that stops beating
// disappears from the stage once its entries expire.
func (d *Directory) heartbeat(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			keys := make([]string, 0, len(d.owned))
			for key := range d.owned {
				keys = append(keys, key)
			}
			d.mu.Unlock()
			if len(keys) == 0 {
				continue
			}

			err := d.breaker.Execute(ctx, func(ctx context.Context) error {
				_, err := d.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
					for _, key := range keys {
						pipe.Expire(ctx, key, d.opts.EntryTTL)
					}
					return nil
				})
				return err
			})
			if err != nil && ctx.Err() == nil {
				d.logger.Warnw("directory heartbeat failed", "entries", len(keys), "error", err)
			}
		}
	}
}
