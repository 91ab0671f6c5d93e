package pipeline

import "context"

// Func adapts plain functions to the Stage interface. A nil RollbackFn makes
// the rollback a no-op.
type Func[T any] struct {
	StageName  string
	ApplyFn    func(ctx context.Context, rc T) error
	RollbackFn func(ctx context.Context, rc T) error
}

// NewFunc returns a stage with the given name and apply function.
func NewFunc[T any](name string, apply func(ctx context.Context, rc T) error) *Func[T] {
	return &Func[T]{StageName: name, ApplyFn: apply}
}

// WithRollback sets the rollback function.
func (f *Func[T]) WithRollback(fn func(ctx context.Context, rc T) error) *Func[T] {
	f.RollbackFn = fn
	return f
}

func (f *Func[T]) Name() string {
	return f.StageName
}

func (f *Func[T]) Apply(ctx context.Context, rc T) error {
	if f.ApplyFn == nil {
		return nil
	}
	return f.ApplyFn(ctx, rc)
}

func (f *Func[T]) Rollback(ctx context.Context, rc T) error {
	if f.RollbackFn == nil {
		return nil
	}
	return f.RollbackFn(ctx, rc)
}
