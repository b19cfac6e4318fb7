package manager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/codec"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
)

// Scope holds per-execution dependencies. It is closed after the executor returns.
type Scope interface {
	Close() error
}

// ScopeFactory creates the Scope for one execution.
type ScopeFactory func(ctx context.Context, jt queue.JobType) (Scope, error)

type nopScope struct{}

func (nopScope) Close() error { return nil }

// NopScopeFactory returns an empty scope.
func NopScopeFactory(context.Context, queue.JobType) (Scope, error) {
	return nopScope{}, nil
}

// ExecutionContext describes the delivery an executor is running for.
type ExecutionContext struct {
	JobType         queue.JobType
	JobName         string
	MessageID       string
	Attributes      map[string]string
	DeliveryAttempt int
	Priority        core.Priority
	Scope           Scope
	Logger          *slog.Logger
}

// EnqueuedAt returns the EnqueuedAt attribute, or the zero time.
func (ec *ExecutionContext) EnqueuedAt() time.Time {
	t, _ := core.ParseTimestamp(ec.Attributes[AttrEnqueuedAt])
	return t
}

// Executor runs jobs whose arguments are a T.
type Executor[T any] interface {
	Execute(ctx context.Context, ec *ExecutionContext, args T) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc[T any] func(ctx context.Context, ec *ExecutionContext, args T) error

func (f ExecutorFunc[T]) Execute(ctx context.Context, ec *ExecutionContext, args T) error {
	return f(ctx, ec, args)
}

// binding is the type-erased link between a job type and its executor.
type binding struct {
	jobType queue.JobType
	// decode reports false when data is malformed or null.
	decode  func(data []byte) (args any, ok bool, err error)
	execute func(ctx context.Context, ec *ExecutionContext, args any) error
}

func newBinding[T any](jt queue.JobType, s codec.Serializer, exec Executor[T]) *binding {
	return &binding{
		jobType: jt,
		decode: func(data []byte) (any, bool, error) {
			return codec.Decode[T](s, data)
		},
		execute: func(ctx context.Context, ec *ExecutionContext, args any) error {
			return exec.Execute(ctx, ec, args.(T))
		},
	}
}

// validate checks that data is a usable payload for the job type.
func (b *binding) validate(data []byte) error {
	_, ok, err := b.decode(data)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("payload is null")
	}
	return nil
}

// Register binds exec to the job type T. A job type, and a job name, can
// only be registered once.
func Register[T any](m *Manager, exec Executor[T]) error {
	jt := queue.TypeOf[T]()
	name := jt.Name()
	b := newBinding(jt, m.serializer, exec)

	if _, loaded := m.bindings.LoadOrStore(jt, b); loaded {
		return core.NewConflictError("an executor is already registered for "+name, map[string]any{
			"job_type": jt.QualifiedName(),
		})
	}
	if existing, loaded := m.names.LoadOrStore(name, jt); loaded && existing.(queue.JobType) != jt {
		m.bindings.Delete(jt)
		return core.NewConflictError("job name "+name+" is already used by "+existing.(queue.JobType).QualifiedName(), map[string]any{
			"job_name": name,
		})
	}
	m.logger.Debug("executor registered", "job_type", name)
	return nil
}
