// Package ingestion is the boundary where samples enter the pipeline.
//
// Accept validates a request, stamps each sample with the server arrival
// time, publishes it to live subscribers and enqueues it for the batch
// writer. The acknowledgement only means "accepted"; persistence happens
// later and its failures are never reported back to the producer.
package ingestion

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xtxerr/sentinel/internal/clock"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("ingestion")

// DefaultMaxSamples bounds the number of samples in one request.
const DefaultMaxSamples = 1000

// Queue is the ingestion queue as seen by producers.
type Queue interface {
	Enqueue(sample types.Sample) error
	Closed() bool
}

// Publisher broadcasts a sample to its device topic.
type Publisher interface {
	PublishSample(sample types.Sample) int
}

// Ack acknowledges an accepted request. Refused is non-zero only when
// shutdown began while the request was being queued: the first Accepted
// samples are in the pipeline, the remaining Refused were dropped and
// may be resent to another instance.
type Ack struct {
	Accepted   int       `json:"accepted" cbor:"accepted"`
	Refused    int       `json:"refused,omitempty" cbor:"refused,omitempty"`
	ReceivedAt time.Time `json:"receivedAt" cbor:"receivedAt"`
}

// Stats holds ingestion statistics.
type Stats struct {
	Requests         atomic.Int64
	RequestsRejected atomic.Int64
	SamplesAccepted  atomic.Int64
	SamplesRejected  atomic.Int64
	Deliveries       atomic.Int64 // live deliveries reported by the publisher
}

// Options configures a Service.
type Options struct {
	Clock      clock.Clock
	Publisher  Publisher // optional
	MaxSamples int
}

// Service accepts samples from producers.
type Service struct {
	queue      Queue
	publisher  Publisher
	clock      clock.Clock
	maxSamples int

	stats Stats
}

// New creates an ingestion service feeding q.
func New(q Queue, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultMaxSamples
	}
	return &Service{
		queue:      q,
		publisher:  opts.Publisher,
		clock:      opts.Clock,
		maxSamples: opts.MaxSamples,
	}
}

// Accept validates and ingests samples. On a validation error none is
// accepted. ErrShuttingDown is returned when the queue is closed before
// the first sample is queued; a close after that yields a partial Ack
// with Refused set and no error.
func (s *Service) Accept(ctx context.Context, samples []types.Sample) (Ack, error) {
	s.stats.Requests.Add(1)

	if err := s.validate(samples); err != nil {
		s.stats.RequestsRejected.Add(1)
		s.stats.SamplesRejected.Add(int64(len(samples)))
		logging.WithContext(ctx).Debug("request rejected", "samples", len(samples), "error", err)
		return Ack{}, err
	}

	if s.queue.Closed() {
		s.stats.RequestsRejected.Add(1)
		return Ack{}, errors.ErrShuttingDown
	}

	ack := Ack{}
	for i := range samples {
		sample := samples[i]
		sample.Timestamp = s.clock.Now().UTC()
		if i == 0 {
			ack.ReceivedAt = sample.Timestamp
		}

		if err := s.queue.Enqueue(sample); err != nil {
			// Shutdown raced with this request. What is already queued
			// stays accepted; only the tail is refused.
			ack.Refused = len(samples) - ack.Accepted
			s.stats.SamplesAccepted.Add(int64(ack.Accepted))
			s.stats.SamplesRejected.Add(int64(ack.Refused))
			if ack.Accepted == 0 {
				s.stats.RequestsRejected.Add(1)
				return ack, fmt.Errorf("%w: %w", errors.ErrShuttingDown, err)
			}
			log.Warn("queue closed mid-request",
				"accepted", ack.Accepted,
				"refused", ack.Refused)
			return ack, nil
		}
		ack.Accepted++

		// Published only once queued, so live observers never see a
		// sample that will not be persisted.
		if s.publisher != nil {
			s.stats.Deliveries.Add(int64(s.publisher.PublishSample(sample)))
		}
	}

	s.stats.SamplesAccepted.Add(int64(ack.Accepted))
	return ack, nil
}

// AcceptOne ingests a single sample.
func (s *Service) AcceptOne(ctx context.Context, sample types.Sample) (Ack, error) {
	return s.Accept(ctx, []types.Sample{sample})
}

func (s *Service) validate(samples []types.Sample) error {
	if len(samples) == 0 {
		return errors.Wrap(errors.ErrInvalidPayload, "no samples")
	}
	if len(samples) > s.maxSamples {
		return fmt.Errorf("%d samples exceeds limit %d: %w", len(samples), s.maxSamples, errors.ErrPayloadTooLarge)
	}

	errs := errors.NewValidationErrors()
	for i := range samples {
		err := samples[i].Validate()
		if err == nil {
			continue
		}
		var ve *errors.ValidationErrors
		if errors.As(err, &ve) {
			errs.AddPrefixed(fmt.Sprintf("samples[%d]", i), ve)
		} else {
			errs.Add(fmt.Errorf("samples[%d]: %w", i, err))
		}
	}
	return errs.Err()
}

// StatsSnapshot is a copy of Stats.
type StatsSnapshot struct {
	Requests         int64
	RequestsRejected int64
	SamplesAccepted  int64
	SamplesRejected  int64
	Deliveries       int64
}

// Stats returns ingestion statistics.
func (s *Service) Stats() StatsSnapshot {
	return StatsSnapshot{
		Requests:         s.stats.Requests.Load(),
		RequestsRejected: s.stats.RequestsRejected.Load(),
		SamplesAccepted:  s.stats.SamplesAccepted.Load(),
		SamplesRejected:  s.stats.SamplesRejected.Load(),
		Deliveries:       s.stats.Deliveries.Load(),
	}
}
