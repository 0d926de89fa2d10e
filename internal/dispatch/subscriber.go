package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/webmonitor/sitewatch/internal/monitor"
	"github.com/webmonitor/sitewatch/internal/queue"
)

// Subscriber reacts to queue notifications instead of waiting for the
// next poll tick. Delivery is at-least-once and may race the polling
// dispatcher; the job lease resolves both, so every message is acked
// no matter the outcome. Execution goes through the dispatcher so
// concurrency caps, per-site exclusion and retry stay in one place.
type Subscriber struct {
	store      monitor.Store
	dispatcher *Dispatcher
	provider   queue.Provider
	log        *zap.Logger
}

// NewSubscriber builds a Subscriber over a dispatcher.
func NewSubscriber(store monitor.Store, dispatcher *Dispatcher, provider queue.Provider, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		store:      store,
		dispatcher: dispatcher,
		provider:   provider,
		log:        log.Named("subscriber"),
	}
}

// Run consumes queue messages until the context finishes.
func (s *Subscriber) Run(ctx context.Context) error {
	return s.provider.Receive(ctx, s.Handle)
}

// Handle processes one notification: load the job and hand it to the
// dispatcher. A job that is no longer queued was taken by another
// worker or already finished; the message is simply dropped.
func (s *Subscriber) Handle(ctx context.Context, msg queue.Message) {
	log := s.log.With(zap.String("job_id", msg.JobID))

	job, err := s.store.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			log.Warn("notification for unknown job")
		} else {
			log.Error("load notified job", zap.Error(err))
		}
		return
	}
	if job.Status != monitor.JobStatusQueued {
		log.Debug("notified job is not queued", zap.String("status", string(job.Status)))
		return
	}
	s.dispatcher.tryStart(ctx, job)
}
