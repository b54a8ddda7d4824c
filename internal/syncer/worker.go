package syncer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/queue"
)

// Worker feeds queued events to a Syncer one at a time.
type Worker struct {
	queue  queue.Queue
	syncer *Syncer
	logger *zap.Logger
}

func NewWorker(q queue.Queue, s *Syncer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: q, syncer: s, logger: logger}
}

// Run drains the queue until ctx is done or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, ok := w.queue.Dequeue(ctx)
		if !ok {
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
		w.process(ctx, msg)
	}
}

// process acks every handled event, failed ones included since their failure was
// reported. Envelopes that can never be parsed are dropped without requeue.
func (w *Worker) process(ctx context.Context, msg queue.Message) {
	logger := w.logger.With(zap.String("message_id", msg.ID))
	err := w.syncer.Handle(ctx, msg.Payload)
	if errors.Is(err, ErrMalformedEnvelope) {
		logger.Warn("dropping malformed event", zap.Error(err))
		if nackErr := msg.Nack(false); nackErr != nil {
			logger.Error("failed to reject event", zap.Error(nackErr))
		}
		return
	}
	if err != nil {
		logger.Debug("event finished with failure", zap.Error(err))
	}
	if ackErr := msg.Ack(); ackErr != nil {
		logger.Error("failed to ack event", zap.Error(ackErr))
	}
}
