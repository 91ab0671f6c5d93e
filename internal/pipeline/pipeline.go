// Package pipeline provides an ordered, transactional stage runner.
//
// Stages are applied in insertion order. The first failure (or a tripped
// cancellation predicate) rolls back every applied stage in reverse order and
// is then reported to the caller through a Result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrCancelled is reported when the cancellation predicate trips between stages.
var ErrCancelled = errors.New("pipeline cancelled")

// Stage is one unit of work in a pipeline.
type Stage[T any] interface {
	// Name identifies the stage in logs and errors.
	Name() string
	// Apply performs the stage's work against the run state.
	Apply(ctx context.Context, rc T) error
	// Rollback undoes the effects of a successful Apply.
	Rollback(ctx context.Context, rc T) error
}

// Outcome is the terminal state of a Commit.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
)

// StageError wraps the error returned by a failing stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RollbackError records a stage whose Rollback itself failed.
type RollbackError struct {
	Stage string
	Err   error
}

func (e RollbackError) Error() string {
	return fmt.Sprintf("rollback %s: %v", e.Stage, e.Err)
}

// Result describes how a Commit ended.
type Result struct {
	Outcome Outcome
	// Err is nil on success; otherwise a *StageError naming the stage that
	// failed or after which cancellation was observed.
	Err error
	// Applied lists stage names that applied successfully, in order.
	Applied []string
	// RolledBack lists stage names whose rollback was attempted, in order.
	RolledBack []string
	// RollbackErrors holds rollback failures. They never replace Err.
	RollbackErrors []RollbackError
}

// OK reports whether every stage applied.
func (r Result) OK() bool {
	return r.Outcome == Succeeded
}

// RollbackIncomplete reports whether at least one rollback failed.
func (r Result) RollbackIncomplete() bool {
	return len(r.RollbackErrors) > 0
}

type entry[T any] struct {
	stage   Stage[T]
	include func(T) bool
}

// Pipeline runs stages in order with reverse-order rollback on failure.
// A Pipeline is itself a Stage so it can be nested inside another pipeline.
type Pipeline[T any] struct {
	name     string
	entries  []entry[T]
	cancel   func(T) bool
	cleanup  func(T)
	applied  []Stage[T]
	logger   zerolog.Logger
	mu       sync.Mutex
	consumed bool
}

// New creates an empty pipeline.
func New[T any](name string, logger zerolog.Logger) *Pipeline[T] {
	return &Pipeline[T]{
		name:   name,
		logger: logger.With().Str("component", "pipeline").Str("pipeline", name).Logger(),
	}
}

// Name implements Stage.
func (p *Pipeline[T]) Name() string {
	return p.name
}

// Add appends a stage that always runs.
func (p *Pipeline[T]) Add(s Stage[T]) *Pipeline[T] {
	p.entries = append(p.entries, entry[T]{stage: s})
	return p
}

// AddIf appends a stage that runs only when include returns true at the
// point the stage is reached.
func (p *Pipeline[T]) AddIf(include func(T) bool, s Stage[T]) *Pipeline[T] {
	p.entries = append(p.entries, entry[T]{stage: s, include: include})
	return p
}

// OnCancel registers the predicate evaluated after every applied stage.
func (p *Pipeline[T]) OnCancel(pred func(T) bool) *Pipeline[T] {
	p.cancel = pred
	return p
}

// OnCleanup registers the callback run once after Commit returns.
func (p *Pipeline[T]) OnCleanup(fn func(T)) *Pipeline[T] {
	p.cleanup = fn
	return p
}

// Stages returns the names of the registered stages, including ones that
// may be skipped by their inclusion predicate.
func (p *Pipeline[T]) Stages() []string {
	names := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		names = append(names, e.stage.Name())
	}
	return names
}

// Commit applies every included stage. A pipeline can be committed once.
func (p *Pipeline[T]) Commit(ctx context.Context, rc T) Result {
	var res Result
	func() {
		defer func() {
			if p.cleanup != nil {
				p.cleanup(rc)
			}
		}()
		res = p.run(ctx, rc)
	}()
	return res
}

// Apply implements Stage for nested use. Cleanup runs once before returning.
func (p *Pipeline[T]) Apply(ctx context.Context, rc T) error {
	res := p.Commit(ctx, rc)
	return res.Err
}

// Rollback implements Stage. It rolls back the stages this pipeline applied
// when a later stage of the parent fails.
func (p *Pipeline[T]) Rollback(ctx context.Context, rc T) error {
	p.mu.Lock()
	applied := p.applied
	p.applied = nil
	p.mu.Unlock()

	var res Result
	p.rollback(ctx, rc, applied, &res)
	if len(res.RollbackErrors) > 0 {
		errs := make([]error, 0, len(res.RollbackErrors))
		for _, re := range res.RollbackErrors {
			errs = append(errs, re)
		}
		return errors.Join(errs...)
	}
	return nil
}

func (p *Pipeline[T]) run(ctx context.Context, rc T) Result {
	p.mu.Lock()
	if p.consumed {
		p.mu.Unlock()
		return Result{
			Outcome: Failed,
			Err:     &StageError{Stage: p.name, Err: errors.New("pipeline already committed")},
		}
	}
	p.consumed = true
	p.mu.Unlock()

	var res Result
	var applied []Stage[T]

	for _, e := range p.entries {
		name := e.stage.Name()
		if e.include != nil && !e.include(rc) {
			p.logger.Debug().Str("stage", name).Msg("stage skipped")
			continue
		}

		p.logger.Debug().Str("stage", name).Msg("applying stage")
		if err := e.stage.Apply(ctx, rc); err != nil {
			outcome := Failed
			if errors.Is(err, ErrCancelled) {
				outcome = Cancelled
			}
			p.logger.Error().Err(err).Str("stage", name).Msg("stage failed")
			p.rollback(ctx, rc, applied, &res)
			res.Outcome = outcome
			res.Err = &StageError{Stage: name, Err: err}
			return res
		}
		applied = append(applied, e.stage)
		res.Applied = append(res.Applied, name)

		if p.cancel != nil && p.cancel(rc) {
			p.logger.Warn().Str("stage", name).Msg("cancellation requested")
			p.rollback(ctx, rc, applied, &res)
			res.Outcome = Cancelled
			res.Err = &StageError{Stage: name, Err: ErrCancelled}
			return res
		}
	}

	p.mu.Lock()
	p.applied = applied
	p.mu.Unlock()

	res.Outcome = Succeeded
	return res
}

func (p *Pipeline[T]) rollback(ctx context.Context, rc T, applied []Stage[T], res *Result) {
	for i := len(applied) - 1; i >= 0; i-- {
		s := applied[i]
		res.RolledBack = append(res.RolledBack, s.Name())
		if err := s.Rollback(ctx, rc); err != nil {
			p.logger.Error().Err(err).Str("stage", s.Name()).Msg("rollback failed")
			res.RollbackErrors = append(res.RollbackErrors, RollbackError{Stage: s.Name(), Err: err})
		}
	}
}
