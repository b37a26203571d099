package memory

import (
	"context"
	"fmt"
	"sync"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"
	"stagewire/internal/infrastructure/directory/feed"
	"stagewire/pkg/auth"
	apperrors "stagewire/pkg/errors"
	"stagewire/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory is one participant's connection to a Hub. Closing it removes
// everything the participant published.
type Directory struct {
	hub    *Hub
	tokens *auth.TokenService
	token  string
	logger *zap.SugaredLogger

	mu          sync.Mutex
	connected   bool
	localID     domain.ParticipantID
	displayName string
	stageID     domain.StageID
}

var _ ports.Directory = (*Directory)(nil)

func NewDirectory(hub *Hub, tokens *auth.TokenService, token string, logger *zap.SugaredLogger) *Directory {
	return &Directory{
		hub:    hub,
		tokens: tokens,
		token:  token,
		logger: logger,
	}
}

func (d *Directory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	claims, err := d.tokens.Validate(d.token)
	if err != nil {
		return fmt.Errorf("directory authentication failed: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	d.localID = domain.ParticipantID(claims.ParticipantID())
	d.displayName = claims.DisplayName
	return nil
}

func (d *Directory) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	localID, stageID := d.localID, d.stageID
	d.connected = false
	d.stageID = ""
	d.mu.Unlock()

	if stageID != "" {
		d.hub.leave(stageID, localID)
	}
	d.logger.Debugw("directory closed", "participant_id", localID)
	return nil
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

func (d *Directory) CreateStage(ctx context.Context, name string) (domain.StageID, error) {
	localID, _, err := d.identity()
	if err != nil {
		return "", err
	}
	if err := validation.ValidateStageName(name); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error())
	}

	id := domain.StageID(uuid.NewString())
	d.hub.mu.Lock()
	d.hub.stages[id] = newStage(domain.Stage{ID: id, Name: name, OwnerID: localID})
	d.hub.mu.Unlock()

	d.logger.Infow("stage created", "stage_id", id, "name", name)
	return id, nil
}

func (d *Directory) JoinStage(ctx context.Context, stageID domain.StageID) error {
	localID, current, err := d.identity()
	if err != nil {
		return err
	}
	if current != "" && current != stageID {
		d.hub.leave(current, localID)
	}

	d.mu.Lock()
	member := domain.Participant{ID: localID, DisplayName: d.displayName, Online: true}
	d.mu.Unlock()

	d.hub.mu.Lock()
	st, ok := d.hub.stages[stageID]
	if !ok {
		d.hub.mu.Unlock()
		return apperrors.NewNotFoundError(fmt.Sprintf("stage %s", stageID))
	}
	kind := domain.MemberAdded
	if existing, ok := st.members[localID]; ok {
		if existing == member {
			kind = 0
		} else {
			kind = domain.MemberChanged
		}
	}
	st.members[localID] = member
	if kind != 0 {
		st.broadcast(domain.DirectoryEvent{Kind: kind, Key: string(localID), Member: &member}, "")
	}
	d.hub.mu.Unlock()

	d.mu.Lock()
	d.stageID = stageID
	d.mu.Unlock()

	d.logger.Infow("stage joined", "stage_id", stageID, "participant_id", localID)
	return nil
}

func (d *Directory) LeaveStage(ctx context.Context) error {
	localID, stageID, err := d.identity()
	if err != nil {
		return err
	}
	if stageID == "" {
		return nil
	}
	d.hub.leave(stageID, localID)

	d.mu.Lock()
	d.stageID = ""
	d.mu.Unlock()
	return nil
}

func (d *Directory) Subscribe(ctx context.Context) (<-chan domain.DirectoryEvent, error) {
	localID, stageID, err := d.joined()
	if err != nil {
		return nil, err
	}

	sub := &subscriber{owner: localID, queue: feed.New()}

	d.hub.mu.Lock()
	st, ok := d.hub.stages[stageID]
	if !ok {
		d.hub.mu.Unlock()
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("stage %s", stageID))
	}
	sub.queue.Push(st.snapshot(localID)...)
	st.subs[sub] = struct{}{}
	d.hub.mu.Unlock()

	go sub.queue.Run(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.queue.Done():
		}
		d.hub.mu.Lock()
		delete(st.subs, sub)
		d.hub.mu.Unlock()
	}()

	return sub.queue.C(), nil
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

	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	st, ok := d.hub.stages[stageID]
	if !ok {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("stage %s", stageID))
	}
	st.producers[producer.ID] = producer
	st.broadcast(domain.DirectoryEvent{Kind: domain.ProducerAdded, Key: string(producer.ID), Producer: &producer}, "")
	return producer.ID, nil
}

func (d *Directory) UnpublishProducer(ctx context.Context, id domain.ProducerID) error {
	localID, stageID, err := d.joined()
	if err != nil {
		return err
	}

	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	st, ok := d.hub.stages[stageID]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("stage %s", stageID))
	}
	p, ok := st.producers[id]
	if !ok || p.OwnerID != localID {
		return apperrors.NewNotFoundError(fmt.Sprintf("producer %s", id))
	}
	delete(st.producers, id)
	st.broadcast(domain.DirectoryEvent{Kind: domain.ProducerRemoved, Key: string(id)}, "")
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

	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	st, ok := d.hub.stages[stageID]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("stage %s", stageID))
	}
	_, isMember := st.members[domain.ParticipantID(targetID)]
	_, isProducer := st.producers[domain.ProducerID(targetID)]
	if !isMember && !isProducer {
		return apperrors.NewNotFoundError(fmt.Sprintf("volume target %s", targetID))
	}

	vol := domain.Volume{ID: volumeID(localID, targetID), TargetID: targetID, Value: value}
	kind := domain.VolumeAdded
	if cur, ok := st.volumes[vol.ID]; ok {
		if cur.volume == vol {
			return nil
		}
		kind = domain.VolumeChanged
	}
	st.volumes[vol.ID] = ownedVolume{owner: localID, volume: vol}
	st.broadcast(domain.DirectoryEvent{Kind: kind, Key: vol.ID, Volume: &vol}, localID)
	return nil
}

func (d *Directory) UpdateDevice(ctx context.Context, intent domain.Intent) error {
	localID, stageID, err := d.joined()
	if err != nil {
		return err
	}

	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	st, ok := d.hub.stages[stageID]
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("stage %s", stageID))
	}
	st.devices[localID] = intent
	return nil
}

// Device returns the intent a participant last mirrored into a stage.
func (h *Hub) Device(stageID domain.StageID, id domain.ParticipantID) (domain.Intent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.stages[stageID]
	if !ok {
		return domain.Intent{}, false
	}
	intent, ok := st.devices[id]
	return intent, ok
}

func (h *Hub) leave(stageID domain.StageID, id domain.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.stages[stageID]; ok {
		st.removeParticipant(id)
	}
}

func volumeID(owner domain.ParticipantID, targetID string) string {
	return string(owner) + "/" + targetID
}
