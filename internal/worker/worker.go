package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/chat"
	"github.com/suPer8Hu/taskflow/internal/logging"
	"github.com/suPer8Hu/taskflow/internal/metrics"
)

// Delivery is one queued job message.
type Delivery interface {
	JobID() (string, error)
	Attempt() int
	Ack() error
	Reject() error
}

type JobRunner interface {
	RunJob(ctx context.Context, jobID string) (*chat.Job, error)
	FailJob(ctx context.Context, jobID string, cause error, final bool) error
}

type Retrier interface {
	PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

type Handler struct {
	Runner      JobRunner
	Retry       Retrier
	MaxAttempts int
	BaseDelay   time.Duration
	Log         logrus.FieldLogger
	Metrics     *metrics.Metrics
}

func NewHandler(runner JobRunner, retry Retrier) *Handler {
	return &Handler{
		Runner:      runner,
		Retry:       retry,
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Log:         logging.Discard(),
	}
}

// Handle runs one delivery. Transient failures go to the retry queue with
// exponential delay until MaxAttempts; then the job is marked failed and the
// delivery dead-lettered.
func (h *Handler) Handle(ctx context.Context, d Delivery) {
	jobID, err := d.JobID()
	if err != nil {
		h.Log.WithError(err).Warn("worker: bad message")
		_ = d.Reject()
		return
	}
	log := h.Log.WithField("job_id", jobID)
	attempt := d.Attempt()

	start := time.Now()
	_, err = h.Runner.RunJob(ctx, jobID)
	if err == nil {
		log.WithField("cost", time.Since(start).String()).Info("worker: job done")
		h.Metrics.ObserveJob(string(chat.JobSucceeded))
		if ackErr := d.Ack(); ackErr != nil {
			log.WithError(ackErr).Warn("worker: ack failed")
		}
		return
	}

	final := errors.Is(err, chat.ErrJobGone) || attempt+1 >= h.MaxAttempts || h.Retry == nil
	if !final {
		delay := h.BaseDelay << attempt
		if pubErr := h.Retry.PublishRetry(ctx, jobID, attempt+1, delay); pubErr != nil {
			log.WithError(pubErr).Error("worker: retry publish failed")
			final = true
		} else {
			_ = h.Runner.FailJob(ctx, jobID, err, false)
			log.WithError(err).WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay.String()}).Warn("worker: job failed, retrying")
			h.Metrics.ObserveJob("retried")
			_ = d.Ack()
			return
		}
	}

	if failErr := h.Runner.FailJob(ctx, jobID, err, true); failErr != nil {
		log.WithError(failErr).Error("worker: mark failed")
	}
	log.WithError(err).WithField("attempt", attempt+1).Error("worker: job failed")
	h.Metrics.ObserveJob(string(chat.JobFailed))
	_ = d.Reject()
}

// Pool fans deliveries out to a fixed number of goroutines until ctx is done
// or the delivery channel closes.
func Pool[D Delivery](ctx context.Context, deliveries <-chan D, concurrency int, handle func(context.Context, Delivery)) {
	if concurrency <= 0 {
		concurrency = 1
	}
	jobs := make(chan D, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for d := range jobs {
				handle(ctx, d)
			}
		}()
	}

	// dispatcher
	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			jobs <- d
		}
	}
}
