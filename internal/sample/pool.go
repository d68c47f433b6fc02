package sample

import (
	"context"
	"sync"

	"patchpilot/internal/model"
	"patchpilot/internal/tools"
	"patchpilot/internal/transcript"
)

// Outcome pairs one sample with its pipeline result.
type Outcome struct {
	SampleID string
	Accepted bool
	Recall   float64
	Err      error
}

// RunAll executes samples on a bounded worker pool. Workers run whole
// samples; the model client is additionally throttled so concurrent samples
// never exceed the inference server's request budget. Results arrive in
// completion order.
func (r *Runner) RunAll(ctx context.Context, samples []Sample) []Outcome {
	workers := r.Cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(samples) {
		workers = len(samples)
	}

	jobs := make(chan Sample)
	results := make(chan Outcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sp := range jobs {
				res, err := r.Run(ctx, sp)
				results <- Outcome{
					SampleID: sp.ID,
					Accepted: res.Accepted,
					Recall:   res.Recall,
					Err:      err,
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, sp := range samples {
			select {
			case jobs <- sp:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var out []Outcome
	for o := range results {
		out = append(out, o)
	}
	return out
}

// ThrottledClient bounds concurrent model requests across all rollouts.
// Acquisition respects context cancellation so a stuck server cannot wedge
// the pool.
type ThrottledClient struct {
	Inner model.Client
	sem   chan struct{}
}

// NewThrottledClient wraps inner with a concurrency ceiling of n requests.
func NewThrottledClient(inner model.Client, n int) *ThrottledClient {
	if n <= 0 {
		n = 1
	}
	return &ThrottledClient{Inner: inner, sem: make(chan struct{}, n)}
}

func (t *ThrottledClient) RequestAction(ctx context.Context, history []transcript.Message) (tools.Call, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return tools.Call{}, ctx.Err()
	}
	defer func() { <-t.sem }()
	return t.Inner.RequestAction(ctx, history)
}
