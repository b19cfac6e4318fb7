package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/memory"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
)

type testArgs struct {
	Value string
	N     int
}

type otherArgs struct {
	ID int
}

func (otherArgs) JobName() string { return "test.other" }

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestManager(t *testing.T, mutate func(*queue.Options)) (*Manager, *memory.Broker) {
	t.Helper()
	opts := queue.DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	pool := memory.NewPool(pubsub.NewConnections(pubsub.ConnectionConfig{ProjectID: "test", NackDelay: 5 * time.Millisecond}, nil), discardLogger)
	broker, err := pool.Broker("")
	if err != nil {
		t.Fatalf("Broker() error = %v", err)
	}

	m := New(Config{Registry: queue.NewRegistry(opts), Pool: pool, Logger: discardLogger})
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m, broker
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func topicOf(id string) pubsub.TopicName {
	return pubsub.TopicName{ProjectID: "test", TopicID: id}
}

func subOf(id string) pubsub.SubscriptionName {
	return pubsub.SubscriptionName{ProjectID: "test", SubscriptionID: id}
}

func TestEnqueue_DistinctHandles(t *testing.T) {
	m, broker := newTestManager(t, nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, err := Enqueue(ctx, m, testArgs{Value: "v", N: i})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if parsed, err := uuid.Parse(id); err != nil || parsed.Version() != 7 {
			t.Errorf("Enqueue() handle %q is not a UUIDv7", id)
		}
		if seen[id] {
			t.Errorf("Enqueue() returned duplicate handle %q", id)
		}
		seen[id] = true
	}

	cfg := m.Registry().Resolve(queue.TypeOf[testArgs]())
	msgs := broker.Backlog(topicOf(cfg.TopicName))
	if len(msgs) != 5 {
		t.Fatalf("topic holds %d messages, want 5", len(msgs))
	}
	for _, msg := range msgs {
		if !seen[msg.Attribute(AttrMessageID)] {
			t.Errorf("MessageId %q does not match a returned handle", msg.Attribute(AttrMessageID))
		}
		if msg.Attribute(AttrJobArgsType) != queue.TypeOf[testArgs]().QualifiedName() {
			t.Errorf("JobArgsType = %q", msg.Attribute(AttrJobArgsType))
		}
		if msg.Attribute(AttrPriority) != "Normal" {
			t.Errorf("Priority = %q, want Normal", msg.Attribute(AttrPriority))
		}
		if _, err := core.ParseTimestamp(msg.Attribute(AttrEnqueuedAt)); err != nil {
			t.Errorf("EnqueuedAt = %q: %v", msg.Attribute(AttrEnqueuedAt), err)
		}
		if msg.Attribute(AttrScheduledTime) != "" {
			t.Error("immediate message carries ScheduledTime")
		}
	}
}

func TestEnqueue_WithPriority(t *testing.T) {
	m, broker := newTestManager(t, nil)
	if _, err := Enqueue(context.Background(), m, testArgs{}, WithPriority(core.PriorityHigh)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	cfg := m.Registry().Resolve(queue.TypeOf[testArgs]())
	msgs := broker.Backlog(topicOf(cfg.TopicName))
	if len(msgs) != 1 || msgs[0].Attribute(AttrPriority) != "High" {
		t.Fatalf("Backlog() = %v, want one High priority message", msgs)
	}
}

func TestEnqueueDelayed_ScheduledTime(t *testing.T) {
	m, broker := newTestManager(t, nil)
	ctx := context.Background()
	const delay = 90 * time.Second

	before := time.Now()
	if _, err := Enqueue(ctx, m, testArgs{Value: "later"}, WithDelay(delay), WithPriority(core.PriorityHigh)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	after := time.Now()

	cfg := m.Registry().Resolve(queue.TypeOf[testArgs]())
	msgs := broker.Backlog(topicOf(cfg.DelayedTopicName))
	if len(msgs) != 1 {
		t.Fatalf("delayed topic holds %d messages, want 1", len(msgs))
	}
	at, err := core.ParseTimestamp(msgs[0].Attribute(AttrScheduledTime))
	if err != nil {
		t.Fatalf("ScheduledTime = %q: %v", msgs[0].Attribute(AttrScheduledTime), err)
	}
	if at.Before(before.Add(delay)) || at.After(after.Add(delay)) {
		t.Errorf("ScheduledTime = %v, want within [%v, %v]", at, before.Add(delay), after.Add(delay))
	}
	if got := msgs[0].Attribute(AttrPriority); got != "Normal" {
		t.Errorf("Priority = %q, want Normal on delayed messages", got)
	}
	if msgs[0].Attribute(AttrEnqueuedAt) != "" {
		t.Error("delayed message carries EnqueuedAt")
	}

	// The immediate topic is provisioned on the delayed path too.
	if _, err := broker.GetTopic(ctx, topicOf(cfg.TopicName)); err != nil {
		t.Errorf("immediate topic missing after delayed enqueue: %v", err)
	}
}

func TestEnqueueDelayed_NotConfigured(t *testing.T) {
	m, _ := newTestManager(t, func(o *queue.Options) { o.DelayedTopicPrefix = "" })
	_, err := Enqueue(context.Background(), m, testArgs{}, WithDelay(time.Minute))
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Enqueue() error = %v, want configuration error", err)
	}
}

func TestEnqueue_UnknownConnectionIsConfigurationError(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if err := m.Registry().ConfigureOverride(queue.TypeOf[testArgs](), queue.Override{ConnectionName: "Secondary"}); err != nil {
		t.Fatalf("ConfigureOverride() error = %v", err)
	}

	_, err := Enqueue(context.Background(), m, testArgs{})
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Enqueue() error = %v, want configuration error", err)
	}

	if err := Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error { return nil })); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := StartProcessingFor[testArgs](context.Background(), m); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("StartProcessing() error = %v, want configuration error", err)
	}
	if len(m.Processors()) != 0 {
		t.Error("failed start left an active processor")
	}
}

func TestEnqueue_AutoCreateDisabled(t *testing.T) {
	m, _ := newTestManager(t, func(o *queue.Options) { o.AutoCreateTopics = false })
	_, err := Enqueue(context.Background(), m, testArgs{})
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Enqueue() error = %v, want configuration error", err)
	}
}

func TestEnqueue_PublishFailure(t *testing.T) {
	m, broker := newTestManager(t, nil)
	ctx := context.Background()
	if _, err := Enqueue(ctx, m, testArgs{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	cfg := m.Registry().Resolve(queue.TypeOf[testArgs]())
	broker.FailPublish(topicOf(cfg.TopicName), errors.New("unavailable"))
	_, err := Enqueue(ctx, m, testArgs{})
	if !errors.Is(err, core.ErrPublish) {
		t.Fatalf("Enqueue() error = %v, want publish error", err)
	}
}

func TestRegister_Twice(t *testing.T) {
	m, _ := newTestManager(t, nil)
	exec := ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error { return nil })
	if err := Register(m, exec); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := Register(m, exec); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("Register() twice error = %v, want conflict", err)
	}
}

func TestStartProcessing_NoExecutor(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := StartProcessingFor[testArgs](context.Background(), m)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("StartProcessing() error = %v, want configuration error", err)
	}
}

func TestStartProcessing_Twice(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error { return nil }))

	if err := StartProcessingFor[testArgs](ctx, m); err != nil {
		t.Fatalf("StartProcessing() error = %v", err)
	}
	if err := StartProcessingFor[testArgs](ctx, m); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("StartProcessing() twice error = %v, want conflict", err)
	}

	procs := m.Processors()
	if len(procs) != 1 || procs[0].State != "running" {
		t.Errorf("Processors() = %+v, want one running processor", procs)
	}
}

func TestStopAll_NoProcessors(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.StopAll(context.Background())
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if len(m.Processors()) != 0 {
		t.Error("Processors() not empty")
	}
}

func TestStopAll_OneFailingSubscriber(t *testing.T) {
	m, broker := newTestManager(t, nil)
	ctx := context.Background()
	Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error { return nil }))
	Register(m, ExecutorFunc[otherArgs](func(context.Context, *ExecutionContext, otherArgs) error { return nil }))

	if err := StartProcessingFor[testArgs](ctx, m); err != nil {
		t.Fatalf("StartProcessing(testArgs) error = %v", err)
	}
	if err := StartProcessingFor[otherArgs](ctx, m); err != nil {
		t.Fatalf("StartProcessing(otherArgs) error = %v", err)
	}

	cfg := m.Registry().Resolve(queue.TypeOf[testArgs]())
	broker.FailStop(subOf(cfg.SubscriptionName), errors.New("stop failed"))

	m.StopAll(ctx)
	if len(m.Processors()) != 0 {
		t.Fatalf("Processors() = %+v after StopAll, want empty", m.Processors())
	}

	// Both job types can be started again once the set is cleared.
	broker.FailStop(subOf(cfg.SubscriptionName), nil)
	if err := StartProcessingFor[testArgs](ctx, m); err != nil {
		t.Errorf("restart testArgs error = %v", err)
	}
	if err := StartProcessingFor[otherArgs](ctx, m); err != nil {
		t.Errorf("restart otherArgs error = %v", err)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	opts := queue.DefaultOptions()
	pool := memory.NewPool(pubsub.NewConnections(pubsub.ConnectionConfig{ProjectID: "test"}, nil), discardLogger)
	m := New(Config{Registry: queue.NewRegistry(opts), Pool: pool, Logger: discardLogger, Consume: []string{"test.other", "unregistered"}})
	t.Cleanup(func() { m.StopAll(context.Background()) })
	Register(m, ExecutorFunc[otherArgs](func(context.Context, *ExecutionContext, otherArgs) error { return nil }))
	Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error { return nil }))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Initialize(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
	}

	procs := m.Processors()
	if len(procs) != 1 || procs[0].JobName != "test.other" {
		t.Errorf("Processors() = %+v, want only test.other", procs)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Errorf("repeated Initialize() error = %v", err)
	}
}

func TestInitialize_ConsumeAll(t *testing.T) {
	pool := memory.NewPool(pubsub.NewConnections(pubsub.ConnectionConfig{ProjectID: "test"}, nil), discardLogger)
	m := New(Config{Pool: pool, Logger: discardLogger, Consume: []string{ConsumeAll}})
	t.Cleanup(func() { m.StopAll(context.Background()) })
	Register(m, ExecutorFunc[otherArgs](func(context.Context, *ExecutionContext, otherArgs) error { return nil }))
	Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error { return nil }))

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if got := len(m.Processors()); got != 2 {
		t.Errorf("Processors() = %d, want 2", got)
	}
}

func TestEnqueueRaw(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	got := make(chan otherArgs, 1)
	Register(m, ExecutorFunc[otherArgs](func(_ context.Context, _ *ExecutionContext, args otherArgs) error {
		got <- args
		return nil
	}))
	if err := StartProcessingFor[otherArgs](ctx, m); err != nil {
		t.Fatalf("StartProcessing() error = %v", err)
	}

	if _, err := m.EnqueueRaw(ctx, "test.other", []byte(`{"id":42}`)); err != nil {
		t.Fatalf("EnqueueRaw() error = %v", err)
	}
	select {
	case args := <-got:
		if args.ID != 42 {
			t.Errorf("ID = %d, want 42", args.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("raw job not executed")
	}

	if _, err := m.EnqueueRaw(ctx, "missing", []byte(`{}`)); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("EnqueueRaw(missing) error = %v, want not found", err)
	}
	if _, err := m.EnqueueRaw(ctx, "test.other", []byte(`{bad`)); !errors.Is(err, core.ErrInvalid) {
		t.Errorf("EnqueueRaw(bad payload) error = %v, want invalid request", err)
	}
	if _, err := m.EnqueueRaw(ctx, "test.other", []byte(`null`)); !errors.Is(err, core.ErrInvalid) {
		t.Errorf("EnqueueRaw(null) error = %v, want invalid request", err)
	}
}

func TestProvision(t *testing.T) {
	m, broker := newTestManager(t, nil)
	ctx := context.Background()
	Register(m, ExecutorFunc[otherArgs](func(context.Context, *ExecutionContext, otherArgs) error { return nil }))

	if err := m.Provision(ctx); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	for _, topic := range []string{"ojs.jobs.test.other", "ojs.jobs.test.other.DeadLetter", "ojs.jobs.delayed.test.other"} {
		if _, err := broker.GetTopic(ctx, topicOf(topic)); err != nil {
			t.Errorf("GetTopic(%s) error = %v", topic, err)
		}
	}
	sub, err := broker.GetSubscription(ctx, subOf("ojs.jobs.test.other"))
	if err != nil {
		t.Fatalf("GetSubscription() error = %v", err)
	}
	if sub.DeadLetterPolicy == nil || sub.DeadLetterPolicy.MaxDeliveryAttempts != 5 {
		t.Errorf("DeadLetterPolicy = %+v, want 5 attempts", sub.DeadLetterPolicy)
	}
	delayed, err := broker.GetSubscription(ctx, subOf("ojs.jobs.delayed.test.other"))
	if err != nil {
		t.Fatalf("GetSubscription(delayed) error = %v", err)
	}
	if delayed.DeadLetterPolicy != nil {
		t.Error("delayed subscription has a dead-letter policy")
	}
}

func TestManager_ExecutionCount(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	var count atomic.Int64
	Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error {
		count.Add(1)
		return nil
	}))
	for i := 0; i < 3; i++ {
		if _, err := Enqueue(ctx, m, testArgs{N: i}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	// Messages enqueued before processing starts are retained.
	if err := StartProcessingFor[testArgs](ctx, m); err != nil {
		t.Fatalf("StartProcessing() error = %v", err)
	}
	eventually(t, "3 executions", func() bool { return count.Load() == 3 })
}

func TestManager_QueuesReportsState(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if err := Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error { return nil })); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	queues := m.Queues()
	if len(queues) != 1 {
		t.Fatalf("Queues() len = %d, want 1", len(queues))
	}
	cfg := m.Registry().Resolve(queue.TypeOf[testArgs]())
	if queues[0].Topic != cfg.TopicName || queues[0].Subscription != cfg.SubscriptionName {
		t.Errorf("Queues()[0] = %+v, want topic %q", queues[0], cfg.TopicName)
	}
	if queues[0].State != StateNotStarted.String() {
		t.Errorf("State = %q, want %q", queues[0].State, StateNotStarted)
	}
	if queues[0].PrefetchCount != 1 {
		t.Errorf("PrefetchCount = %d, want 1", queues[0].PrefetchCount)
	}

	if err := StartProcessingFor[testArgs](context.Background(), m); err != nil {
		t.Fatalf("StartProcessingFor() error = %v", err)
	}
	if got := m.Queues()[0].State; got != StateRunning.String() {
		t.Errorf("State = %q, want %q", got, StateRunning)
	}
}

func TestManager_OverrideByName(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if err := Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error { return nil })); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	name := m.JobNames()[0]

	prefetch := 4
	if err := m.Override(name, queue.Override{TopicName: "custom.topic", PrefetchCount: &prefetch}); err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	q := m.Queues()[0]
	if q.Topic != "custom.topic" || q.PrefetchCount != 4 {
		t.Errorf("Queues()[0] = %+v, want overridden topic and prefetch", q)
	}

	// Resolved configurations are frozen.
	if err := m.Override(name, queue.Override{TopicName: "other"}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Override() after resolve error = %v, want configuration error", err)
	}
	if err := m.Override("missing", queue.Override{}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Override(missing) error = %v, want not found", err)
	}
}

// gatedPool blocks the first NewSubscriber call until release is closed.
type gatedPool struct {
	pubsub.ConnectionPool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedPool) NewSubscriber(ctx context.Context, name string, sub pubsub.SubscriptionName, settings pubsub.SubscriberSettings) (pubsub.SubscriberClient, error) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return p.ConnectionPool.NewSubscriber(ctx, name, sub, settings)
}

func TestStopAll_DuringStartup(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewPool(pubsub.NewConnections(pubsub.ConnectionConfig{ProjectID: "test", NackDelay: 5 * time.Millisecond}, nil), discardLogger)
	pool := &gatedPool{ConnectionPool: inner, entered: make(chan struct{}), release: make(chan struct{})}
	m := New(Config{Pool: pool, Logger: discardLogger})
	t.Cleanup(func() { m.StopAll(context.Background()) })

	var calls atomic.Int64
	Register(m, ExecutorFunc[testArgs](func(context.Context, *ExecutionContext, testArgs) error {
		calls.Add(1)
		return nil
	}))

	errc := make(chan error, 1)
	go func() { errc <- StartProcessingFor[testArgs](ctx, m) }()
	<-pool.entered
	m.StopAll(ctx)
	close(pool.release)

	if err := <-errc; !errors.Is(err, core.ErrConflict) {
		t.Fatalf("StartProcessing() stopped mid-start error = %v, want conflict", err)
	}
	if procs := m.Processors(); len(procs) != 0 {
		t.Fatalf("Processors() = %+v, want none", procs)
	}

	if _, err := Enqueue(ctx, m, testArgs{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("executor ran %d times after StopAll", n)
	}

	if err := StartProcessingFor[testArgs](ctx, m); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	eventually(t, "job executed after restart", func() bool { return calls.Load() == 1 })
}

type brokenArgs struct{}

func (brokenArgs) JobName() string { return "zz.broken" }

func TestInitialize_FailureKeepsExplicitProcessors(t *testing.T) {
	ctx := context.Background()
	pool := memory.NewPool(pubsub.NewConnections(pubsub.ConnectionConfig{ProjectID: "test"}, nil), discardLogger)
	m := New(Config{Pool: pool, Logger: discardLogger, Consume: []string{ConsumeAll}})
	t.Cleanup(func() { m.StopAll(context.Background()) })

	nop := func(context.Context, *ExecutionContext, testArgs) error { return nil }
	Register(m, ExecutorFunc[testArgs](nop))
	Register(m, ExecutorFunc[otherArgs](func(context.Context, *ExecutionContext, otherArgs) error { return nil }))
	Register(m, ExecutorFunc[brokenArgs](func(context.Context, *ExecutionContext, brokenArgs) error { return nil }))
	if err := m.Override("zz.broken", queue.Override{ConnectionName: "Missing"}); err != nil {
		t.Fatalf("Override() error = %v", err)
	}

	if err := StartProcessingFor[testArgs](ctx, m); err != nil {
		t.Fatalf("StartProcessing() error = %v", err)
	}
	explicit := m.Registry().Resolve(queue.TypeOf[testArgs]()).JobName

	if err := m.Initialize(ctx); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Initialize() error = %v, want configuration error", err)
	}
	procs := m.Processors()
	if len(procs) != 1 || procs[0].JobName != explicit {
		t.Errorf("Processors() = %+v, want only %s", procs, explicit)
	}
}
