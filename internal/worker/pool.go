// Package worker defines the contract between the scheduling core and a
// worker pool, plus an in-process pool for single-node deployments.
// External pools integrate through the same Enqueuer interface and the
// HTTP callback endpoint.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medflow/internal/domain"
	"medflow/internal/tracker"
)

// Job is the dispatch unit handed to a worker pool.
type Job struct {
	ExecutionID   string          `json:"execution_id"`
	ExecutableRef string          `json:"executable_ref"`
	Params        json.RawMessage `json:"params,omitempty"`
	Queue         string          `json:"queue"`
	Priority      int             `json:"priority"`
}

// Enqueuer is the outbound boundary of the engine. Enqueue returns
// domain.ErrDispatch when the pool is unreachable or saturated; Cancel is
// a best-effort stop signal.
type Enqueuer interface {
	Enqueue(ctx context.Context, j Job) error
	Cancel(executionID string)
}

// Handler executes one job body and returns a result payload.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

type nonRetriableError struct{ err error }

func (e nonRetriableError) Error() string { return e.err.Error() }
func (e nonRetriableError) Unwrap() error { return e.err }

// NonRetriable marks a failure that must not be retried regardless of the
// schedule's remaining budget.
func NonRetriable(err error) error { return nonRetriableError{err: err} }

// IsRetriable reports whether a handler error may go through the retry
// path.
func IsRetriable(err error) bool {
	var nr nonRetriableError
	return !errors.As(err, &nr)
}

// Pool is an in-process Enqueuer: a bounded set of worker goroutines
// resolving executable references against a handler map and driving
// tracker transitions directly.
type Pool struct {
	trk      *tracker.Tracker
	handlers map[string]Handler
	jobs     chan Job
	sem      chan struct{}
	log      zerolog.Logger
	workerID string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewPool(trk *tracker.Tracker, handlers map[string]Handler, size, backlog int, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	if backlog <= 0 {
		backlog = 256
	}
	return &Pool{
		trk:      trk,
		handlers: handlers,
		jobs:     make(chan Job, backlog),
		sem:      make(chan struct{}, size),
		log:      log.With().Str("component", "pool").Logger(),
		workerID: "local-pool",
		running:  make(map[string]context.CancelFunc),
	}
}

func (p *Pool) Enqueue(ctx context.Context, j Job) error {
	select {
	case p.jobs <- j:
		return nil
	default:
		return fmt.Errorf("pool backlog full: %w", domain.ErrDispatch)
	}
}

// Cancel stops a running job's context. Jobs still waiting in the backlog
// are caught later: their pending→running CAS fails once the execution is
// cancelled.
func (p *Pool) Cancel(executionID string) {
	p.mu.Lock()
	cancel := p.running[executionID]
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pool) Run(ctx context.Context) {
	p.log.Info().Int("workers", cap(p.sem)).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.sem <- struct{}{}
			go func(job Job) {
				defer func() { <-p.sem }()
				p.execute(ctx, job)
			}(j)
		}
	}
}

func (p *Pool) execute(ctx context.Context, j Job) {
	workerID := fmt.Sprintf("%s/%s", p.workerID, j.Queue)
	if err := p.trk.MarkRunning(ctx, j.ExecutionID, workerID); err != nil {
		// Cancelled or already claimed while queued.
		p.log.Debug().Err(err).Str("execution_id", j.ExecutionID).Msg("skip job")
		return
	}

	scheme, _, _ := strings.Cut(j.ExecutableRef, ":")
	h, ok := p.handlers[scheme]
	if !ok {
		if err := p.trk.MarkFailed(ctx, j.ExecutionID, "no handler for "+j.ExecutableRef, false); err != nil {
			p.log.Error().Err(err).Str("execution_id", j.ExecutionID).Msg("mark failed")
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.running[j.ExecutionID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, j.ExecutionID)
		p.mu.Unlock()
	}()

	start := time.Now()
	result, err := h.Handle(runCtx, j.Params)
	if err != nil {
		if runCtx.Err() != nil {
			// Cancelled under us; the tracker already moved the
			// execution, nothing to report.
			return
		}
		if terr := p.trk.MarkFailed(ctx, j.ExecutionID, err.Error(), IsRetriable(err)); terr != nil {
			p.log.Error().Err(terr).Str("execution_id", j.ExecutionID).Msg("mark failed")
		}
		return
	}
	p.log.Debug().Str("execution_id", j.ExecutionID).Dur("took", time.Since(start)).Msg("job done")
	if terr := p.trk.MarkSuccess(ctx, j.ExecutionID, result); terr != nil {
		p.log.Error().Err(terr).Str("execution_id", j.ExecutionID).Msg("mark success")
	}
}
