// Package batch implements a generic concurrent-request batcher with
// adaptive backoff. It is deliberately transport-agnostic: the
// adaptive state machine (Driver) never touches the network directly,
// so it is unit-testable with a fake Submitter.
package batch

import (
	"context"
	"time"
)

// Outcome is the categorized result of one sub-request within a
// batch, as classified by the transport (HTTP status code, etc).
type Outcome int

const (
	// OutcomeOK: the sub-request succeeded.
	OutcomeOK Outcome = iota
	// OutcomeBadMessage: HTTP 400/404 on this one sub-request. Not
	// fatal, not retried: the id is dropped from the work set.
	OutcomeBadMessage
	// OutcomeRateLimited: HTTP 403/429 on the whole batch.
	OutcomeRateLimited
	// OutcomeConnError: a transport/connection-level failure on the
	// whole batch.
	OutcomeConnError
	// OutcomeFatal: any other HTTP error on the whole batch.
	OutcomeFatal
)

// Result is the payload delivered once per id via onResult.
type Result struct {
	Payload interface{}
	Err     error
}

// Request is an opaque per-id unit of work; its shape is defined by
// the Submitter implementation (internal/gmailapi), not by this
// package.
type Request interface{}

// BatchOutcome is what Submit returns for one assembled batch: either
// a map of per-id results (success, partial bad-message drops) or a
// batch-level Outcome (rate-limited/conn-error/fatal) with no
// per-id results.
type BatchOutcome struct {
	// Results holds one entry for every id that got an individual
	// response: OutcomeOK or OutcomeBadMessage.
	Results map[string]ItemResult

	// Batch is set when the whole batch failed before individual
	// responses could be assigned: OutcomeRateLimited,
	// OutcomeConnError or OutcomeFatal. When set, Results is empty
	// and every id in the submitted batch remains in the work set
	// (implicit retry), except that the caller still honors the
	// backoff/size adjustments below.
	Batch Outcome

	// Err carries the underlying error for OutcomeFatal / for
	// logging OutcomeConnError / OutcomeRateLimited.
	Err error
}

// ItemResult is the per-id disposition within a successfully
// dispatched batch.
type ItemResult struct {
	Outcome Outcome // OutcomeOK or OutcomeBadMessage
	Payload interface{}
	Err     error
}

// Submitter dispatches one assembled batch of requests as a single
// round trip and reports the outcome.
type Submitter interface {
	Submit(ctx context.Context, reqs map[string]Request) BatchOutcome
}

// State is the explicit, serializable adaptive state the driver
// mutates. Exposed so tests can assert on it directly without
// reaching into the Driver.
type State struct {
	BatchSize    int
	MaxBatchSize int
	GoodBatches  int
	ConnErrors   int
	PauseSeconds int
}

// Driver runs the adaptive batch/retry loop to completion.
type Driver struct {
	State State

	// Sleep is overridable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

// NewDriver builds a Driver with the given initial/maximum batch
// size (50 for content/modify, 64 for listing-style batchers).
func NewDriver(maxBatchSize int) *Driver {
	return &Driver{
		State: State{
			BatchSize:    maxBatchSize,
			MaxBatchSize: maxBatchSize,
		},
		Sleep: func(d time.Duration) { time.Sleep(d) },
	}
}

const connErrorLimit = 10

// Run drains work, submitting it in adaptively-sized batches via sub,
// until work is empty or ctx is cancelled between batches. onResult is
// invoked exactly once per id that received an individual response
// (success or bad-message); ids that error out only at the batch
// level are retried and do not get a callback until they eventually
// succeed or get classified bad-message.
func (d *Driver) Run(ctx context.Context, work map[string]Request, sub Submitter, onResult func(id string, payload interface{}, err error)) error {
	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.State.PauseSeconds > 0 {
			d.Sleep(time.Duration(d.State.PauseSeconds) * time.Second)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		batch := drain(work, d.State.BatchSize)

		outcome := sub.Submit(ctx, batch)

		switch {
		case outcome.Batch == OutcomeRateLimited:
			d.State.PauseSeconds = maxInt(1+d.State.PauseSeconds*2, 30)
			d.State.BatchSize = maxInt(d.State.BatchSize/2, 1)
			// work set unchanged: every id in batch stays queued.

		case outcome.Batch == OutcomeConnError:
			d.State.ConnErrors++
			if d.State.ConnErrors > connErrorLimit {
				return outcome.Err
			}
			d.State.PauseSeconds = 1 + d.State.PauseSeconds*2
			// work set unchanged.

		case outcome.Batch == OutcomeFatal:
			return outcome.Err

		default:
			// Batch-level success: process per-id outcomes.
			for id, r := range outcome.Results {
				switch r.Outcome {
				case OutcomeOK:
					onResult(id, r.Payload, nil)
					delete(work, id)
				case OutcomeBadMessage:
					onResult(id, r.Payload, r.Err)
					delete(work, id)
				}
			}

			d.State.ConnErrors = 0
			if d.State.GoodBatches > 10 {
				d.State.PauseSeconds = d.State.PauseSeconds / 2
				d.State.BatchSize = d.State.MaxBatchSize
				d.State.GoodBatches = 0
			} else {
				d.State.GoodBatches++
			}
		}
	}
	return nil
}

// drain copies up to n entries from work (in map-iteration order,
// which is unspecified — ordering across items carries no guarantee)
// and returns them as a new batch without deleting
// them from work; the caller deletes entries from work only once
// their individual outcome is known, so a batch-level failure leaves
// them in place for retry.
func drain(work map[string]Request, n int) map[string]Request {
	batch := make(map[string]Request, n)
	for id, req := range work {
		if len(batch) >= n {
			break
		}
		batch[id] = req
	}
	return batch
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
