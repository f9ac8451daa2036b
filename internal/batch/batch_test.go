package batch

import (
	"context"
	"testing"
	"time"
)

// fakeSubmitter lets a test script a sequence of per-call outcomes
// without touching the network.
type fakeSubmitter struct {
	calls []func(reqs map[string]Request) BatchOutcome
	n     int
}

func (f *fakeSubmitter) Submit(ctx context.Context, reqs map[string]Request) BatchOutcome {
	fn := f.calls[f.n]
	if f.n < len(f.calls)-1 {
		f.n++
	}
	return fn(reqs)
}

func noSleep(time.Duration) {}

func allOK(reqs map[string]Request) BatchOutcome {
	results := make(map[string]ItemResult, len(reqs))
	for id := range reqs {
		results[id] = ItemResult{Outcome: OutcomeOK, Payload: id}
	}
	return BatchOutcome{Results: results}
}

func TestDriverRun_AllSucceedImmediately(t *testing.T) {
	d := NewDriver(50)
	d.Sleep = noSleep

	work := map[string]Request{"a": nil, "b": nil, "c": nil}
	seen := map[string]bool{}
	err := d.Run(context.Background(), work, &fakeSubmitter{calls: []func(map[string]Request) BatchOutcome{allOK}}, func(id string, payload interface{}, err error) {
		seen[id] = true
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if !seen[id] {
			t.Errorf("id %q never saw a callback", id)
		}
	}
	if len(work) != 0 {
		t.Errorf("work set not drained: %v", work)
	}
}

func TestDriverRun_BadMessageIsDroppedNotRetried(t *testing.T) {
	d := NewDriver(50)
	d.Sleep = noSleep

	call := func(reqs map[string]Request) BatchOutcome {
		results := make(map[string]ItemResult, len(reqs))
		for id := range reqs {
			if id == "bad" {
				results[id] = ItemResult{Outcome: OutcomeBadMessage, Err: errBad}
			} else {
				results[id] = ItemResult{Outcome: OutcomeOK}
			}
		}
		return BatchOutcome{Results: results}
	}

	work := map[string]Request{"good": nil, "bad": nil}
	var badErr error
	err := d.Run(context.Background(), work, &fakeSubmitter{calls: []func(map[string]Request) BatchOutcome{call}}, func(id string, payload interface{}, err error) {
		if id == "bad" {
			badErr = err
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if badErr != errBad {
		t.Errorf("bad message callback error = %v, want %v", badErr, errBad)
	}
	if len(work) != 0 {
		t.Errorf("work set not drained: %v", work)
	}
}

func TestDriverRun_RateLimitBacksOffAndRetries(t *testing.T) {
	d := NewDriver(50)
	d.Sleep = noSleep

	rateLimited := func(reqs map[string]Request) BatchOutcome {
		return BatchOutcome{Batch: OutcomeRateLimited}
	}

	work := make(map[string]Request, 20)
	for i := 0; i < 20; i++ {
		work[string(rune('a'+i))] = nil
	}

	calls := []func(map[string]Request) BatchOutcome{rateLimited, rateLimited, allOK}
	err := d.Run(context.Background(), work, &fakeSubmitter{calls: calls}, func(string, interface{}, error) {})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(work) != 0 {
		t.Errorf("work should eventually drain, got %d entries left", len(work))
	}

	if d.State.PauseSeconds < 30 {
		t.Errorf("pause_seconds = %d, want >= 30 after backing off", d.State.PauseSeconds)
	}
}

func TestDriverRun_RateLimitSetsPauseAndHalvesBatchSize(t *testing.T) {
	d := NewDriver(50)
	d.Sleep = noSleep

	var capturedBatchLen int
	rateLimitedOnce := func(reqs map[string]Request) BatchOutcome {
		capturedBatchLen = len(reqs)
		return BatchOutcome{Batch: OutcomeRateLimited}
	}

	work := make(map[string]Request, 20)
	for i := 0; i < 20; i++ {
		work[string(rune('a'+i))] = nil
	}

	calls := []func(map[string]Request) BatchOutcome{rateLimitedOnce, allOK}
	if err := d.Run(context.Background(), work, &fakeSubmitter{calls: calls}, func(string, interface{}, error) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if capturedBatchLen != 20 {
		t.Errorf("first batch should contain all 20 ids, got %d", capturedBatchLen)
	}
	if d.State.PauseSeconds < 30 {
		t.Errorf("pause_seconds = %d, want >= 30 after a 429", d.State.PauseSeconds)
	}
	if d.State.BatchSize != 25 {
		t.Errorf("batch_size = %d, want 25 (50/2) after a 429", d.State.BatchSize)
	}
}

func TestDriverRun_ConnErrorEscalatesAfterLimit(t *testing.T) {
	d := NewDriver(50)
	d.Sleep = noSleep

	connErr := func(reqs map[string]Request) BatchOutcome {
		return BatchOutcome{Batch: OutcomeConnError, Err: errConn}
	}

	work := map[string]Request{"a": nil}
	calls := make([]func(map[string]Request) BatchOutcome, 0, 12)
	for i := 0; i < 12; i++ {
		calls = append(calls, connErr)
	}
	err := d.Run(context.Background(), work, &fakeSubmitter{calls: calls}, func(string, interface{}, error) {})
	if err != errConn {
		t.Fatalf("Run error = %v, want %v after exceeding conn error limit", err, errConn)
	}
}

func TestDriverRun_FatalAborts(t *testing.T) {
	d := NewDriver(50)
	d.Sleep = noSleep

	fatal := func(reqs map[string]Request) BatchOutcome {
		return BatchOutcome{Batch: OutcomeFatal, Err: errFatal}
	}

	work := map[string]Request{"a": nil}
	err := d.Run(context.Background(), work, &fakeSubmitter{calls: []func(map[string]Request) BatchOutcome{fatal}}, func(string, interface{}, error) {})
	if err != errFatal {
		t.Fatalf("Run error = %v, want %v", err, errFatal)
	}
}

func TestDriverRun_CancellationBetweenBatches(t *testing.T) {
	d := NewDriver(50)
	d.Sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	call := func(reqs map[string]Request) BatchOutcome {
		cancel()
		// Leave work unfinished (simulate a rate limit) so the
		// driver loops again and observes the cancellation.
		return BatchOutcome{Batch: OutcomeRateLimited}
	}

	work := map[string]Request{"a": nil, "b": nil}
	err := d.Run(ctx, work, &fakeSubmitter{calls: []func(map[string]Request) BatchOutcome{call, call}}, func(string, interface{}, error) {})
	if err == nil {
		t.Fatalf("Run should report cancellation once the context is done")
	}
}

var (
	errBad   = simpleErr("bad message")
	errConn  = simpleErr("connection reset")
	errFatal = simpleErr("internal server error")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
