package ports

import (
	"context"

	"stagewire/internal/core/domain"
)

// Directory is the remote membership/producer/volume directory. All calls
// fail with domain.ErrNotConnected before Connect or after Close.
type Directory interface {
	Connect(ctx context.Context) error
	Close() error
	LocalID() domain.ParticipantID

	CreateStage(ctx context.Context, name string) (domain.StageID, error)
	JoinStage(ctx context.Context, stageID domain.StageID) error
	LeaveStage(ctx context.Context) error

	// Subscribe returns the change feed of the joined stage. The current
	// content is replayed as added events first, and again after every
	// reconnect. The channel is closed when ctx ends or the directory closes.
	Subscribe(ctx context.Context) (<-chan domain.DirectoryEvent, error)

	PublishProducer(ctx context.Context, desc domain.ProducerDescriptor) (domain.ProducerID, error)
	UnpublishProducer(ctx context.Context, id domain.ProducerID) error
	SetVolume(ctx context.Context, targetID string, value float64) error
	UpdateDevice(ctx context.Context, intent domain.Intent) error
}
