// Package manager is the job queue manager: it provisions pub/sub resources,
// publishes jobs and runs per job type subscription processors.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/codec"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
)

// ConsumeAll in Config.Consume starts every registered job type.
const ConsumeAll = "*"

// Config wires a Manager.
type Config struct {
	Registry   *queue.Registry
	Pool       pubsub.ConnectionPool
	Serializer codec.Serializer
	Scopes     ScopeFactory
	Logger     *slog.Logger
	// Consume lists job names Initialize starts processing for.
	Consume []string
}

// Manager is the entry point for enqueueing and processing jobs.
type Manager struct {
	registry    *queue.Registry
	pool        pubsub.ConnectionPool
	serializer  codec.Serializer
	scopes      ScopeFactory
	logger      *slog.Logger
	consume     []string
	provisioner *Provisioner
	publisher   *Publisher
	gate        DelayGate

	bindings sync.Map // queue.JobType -> *binding
	names    sync.Map // job name -> queue.JobType

	initialized atomic.Bool

	mu     sync.Mutex
	active map[queue.JobType]*Processor
}

// New returns a Manager. Nil Serializer, Scopes and Logger get defaults.
func New(cfg Config) *Manager {
	if cfg.Registry == nil {
		cfg.Registry = queue.NewRegistry(queue.DefaultOptions())
	}
	if cfg.Serializer == nil {
		cfg.Serializer = codec.JSON{}
	}
	if cfg.Scopes == nil {
		cfg.Scopes = NopScopeFactory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	provisioner := NewProvisioner(cfg.Pool, cfg.Registry.Options(), cfg.Logger)
	return &Manager{
		registry:    cfg.Registry,
		pool:        cfg.Pool,
		serializer:  cfg.Serializer,
		scopes:      cfg.Scopes,
		logger:      cfg.Logger,
		consume:     cfg.Consume,
		provisioner: provisioner,
		publisher:   NewPublisher(cfg.Pool, provisioner, cfg.Serializer, cfg.Logger),
		gate:        NewDelayGate(),
		active:      make(map[queue.JobType]*Processor),
	}
}

// Registry returns the queue configuration registry.
func (m *Manager) Registry() *queue.Registry {
	return m.registry
}

// Override applies per-job queue settings by registered job name. It fails
// once the job's configuration has been resolved.
func (m *Manager) Override(jobName string, o queue.Override) error {
	v, ok := m.names.Load(jobName)
	if !ok {
		return core.NewNotFoundError("Job type", jobName)
	}
	return m.registry.ConfigureOverride(v.(queue.JobType), o)
}

// Initialize runs setup once: concurrent and repeated calls return nil
// immediately. Setup starts processing for the job types in Config.Consume
// that are not already processing. If one fails to start, the processors this
// call started are stopped again.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.initialized.CompareAndSwap(false, true) {
		return nil
	}

	m.logger.Info("job manager initializing", "registered", len(m.JobNames()), "consume", m.consume)
	var started []queue.JobType
	for _, name := range m.autoStart() {
		v, _ := m.names.Load(name)
		jt := v.(queue.JobType)
		if m.isActive(jt) {
			continue
		}
		if err := m.StartProcessing(ctx, jt); err != nil {
			m.stop(ctx, started)
			m.initialized.Store(false)
			return err
		}
		started = append(started, jt)
	}
	m.logger.Info("job manager initialized", "started", len(started))
	return nil
}

func (m *Manager) isActive(jt queue.JobType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[jt]
	return ok
}

func (m *Manager) autoStart() []string {
	if slices.Contains(m.consume, ConsumeAll) {
		return m.JobNames()
	}
	var names []string
	for _, name := range m.consume {
		if _, ok := m.names.Load(name); !ok {
			m.logger.Warn("no executor registered for consumed job", "job_type", name)
			continue
		}
		names = append(names, name)
	}
	return names
}

// Shutdown stops all processing.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopAll(ctx)
	return nil
}

// StartProcessing opens the subscription processor for jt. The job type must
// have a registered executor and must not already be processing.
func (m *Manager) StartProcessing(ctx context.Context, jt queue.JobType) error {
	v, ok := m.bindings.Load(jt)
	if !ok {
		return core.NewConfigurationError("no executor registered for "+jt.Name(), map[string]any{
			"job_type": jt.QualifiedName(),
		})
	}
	cfg := m.registry.Resolve(jt)

	m.mu.Lock()
	if _, running := m.active[jt]; running {
		m.mu.Unlock()
		return core.NewConflictError("already processing "+cfg.JobName, map[string]any{
			"job_type": cfg.JobName,
		})
	}
	p := newProcessor(m, v.(*binding), cfg)
	m.active[jt] = p
	m.mu.Unlock()

	if err := p.start(ctx); err != nil {
		m.mu.Lock()
		if m.active[jt] == p {
			delete(m.active, jt)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// StartProcessingFor starts processing for T.
func StartProcessingFor[T any](ctx context.Context, m *Manager) error {
	return m.StartProcessing(ctx, queue.TypeOf[T]())
}

// StopAll stops every active processor concurrently. Failures are logged,
// not returned. The active set is empty afterwards.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	procs := make([]*Processor, 0, len(m.active))
	for _, p := range m.active {
		procs = append(procs, p)
	}
	m.active = make(map[queue.JobType]*Processor)
	m.mu.Unlock()

	if len(procs) == 0 {
		return
	}
	stopProcessors(ctx, procs)
	m.logger.Info("all processors stopped", "count", len(procs))
}

// stop removes the processors of jts from the active set and stops them.
func (m *Manager) stop(ctx context.Context, jts []queue.JobType) {
	m.mu.Lock()
	var procs []*Processor
	for _, jt := range jts {
		if p, ok := m.active[jt]; ok {
			procs = append(procs, p)
			delete(m.active, jt)
		}
	}
	m.mu.Unlock()
	stopProcessors(ctx, procs)
}

func stopProcessors(ctx context.Context, procs []*Processor) {
	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			if err := p.stop(ctx); err != nil {
				p.logger.Error("failed to stop processor", "error", err)
			}
		}(p)
	}
	wg.Wait()
}

// ProcessorInfo describes an active processor.
type ProcessorInfo struct {
	JobName string `json:"job_name"`
	State   string `json:"state"`
}

// Processors lists active processors ordered by job name.
func (m *Manager) Processors() []ProcessorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessorInfo, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, ProcessorInfo{JobName: p.cfg.JobName, State: p.State().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobName < out[j].JobName })
	return out
}

// QueueInfo describes the queue layout and processing state of a registered job type.
type QueueInfo struct {
	JobName             string `json:"job_name"`
	Topic               string `json:"topic"`
	Subscription        string `json:"subscription"`
	DelayedTopic        string `json:"delayed_topic,omitempty"`
	DelayedSubscription string `json:"delayed_subscription,omitempty"`
	Connection          string `json:"connection"`
	PrefetchCount       int    `json:"prefetch_count"`
	State               string `json:"state"`
}

// Queues describes every registered job type, ordered by job name.
func (m *Manager) Queues() []QueueInfo {
	m.mu.Lock()
	states := make(map[queue.JobType]State, len(m.active))
	for jt, p := range m.active {
		states[jt] = p.State()
	}
	m.mu.Unlock()

	names := m.JobNames()
	out := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		v, _ := m.names.Load(name)
		jt := v.(queue.JobType)
		cfg := m.registry.Resolve(jt)
		state, ok := states[jt]
		if !ok {
			state = StateNotStarted
		}
		out = append(out, QueueInfo{
			JobName:             name,
			Topic:               cfg.TopicName,
			Subscription:        cfg.SubscriptionName,
			DelayedTopic:        cfg.DelayedTopicName,
			DelayedSubscription: cfg.DelayedSubscriptionName,
			Connection:          cfg.ConnectionName,
			PrefetchCount:       m.prefetch(cfg),
			State:               state.String(),
		})
	}
	return out
}

func (m *Manager) prefetch(cfg *queue.Configuration) int {
	if cfg.PrefetchCount != nil {
		return *cfg.PrefetchCount
	}
	return m.registry.Options().PrefetchCount
}

// JobNames lists registered job names, sorted.
func (m *Manager) JobNames() []string {
	var names []string
	m.names.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// provisionConcurrency bounds concurrent job types in Provision.
const provisionConcurrency = 4

// Provision ensures topics and subscriptions for every registered job type
// without starting consumers. Every job type is attempted; failures are joined.
func (m *Manager) Provision(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(provisionConcurrency)
	for _, name := range m.JobNames() {
		g.Go(func() error {
			if err := m.provision(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) provision(ctx context.Context, name string) error {
	v, _ := m.names.Load(name)
	jt := v.(queue.JobType)
	cfg := m.registry.Resolve(jt)

	topic, err := m.provisioner.EnsureTopic(ctx, jt, cfg)
	if err != nil {
		return err
	}
	if _, err := m.provisioner.EnsureSubscription(ctx, jt, cfg, topic); err != nil {
		return err
	}
	if cfg.HasDelayed() {
		delayed, err := m.provisioner.EnsureDelayedTopic(ctx, jt, cfg)
		if err != nil {
			return err
		}
		if _, err := m.provisioner.EnsureDelayedSubscription(ctx, jt, cfg, delayed); err != nil {
			return err
		}
	}
	m.logger.Info("queue provisioned", "job_type", name, "topic", cfg.TopicName)
	return nil
}

// EnqueueOption customizes one enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority core.Priority
	delay    time.Duration
}

// WithPriority sets the Priority attribute. Ignored for delayed jobs.
func WithPriority(p core.Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithDelay defers execution by d. Non-positive delays enqueue immediately.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

func buildEnqueueOptions(opts []EnqueueOption) enqueueOptions {
	o := enqueueOptions{priority: core.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Enqueue publishes args as a job and returns its handle.
func Enqueue[T any](ctx context.Context, m *Manager, args T, opts ...EnqueueOption) (string, error) {
	jt := queue.TypeOf[T]()
	cfg := m.registry.Resolve(jt)
	o := buildEnqueueOptions(opts)

	if o.delay <= 0 {
		return m.publisher.Publish(ctx, jt, cfg, args, o.priority)
	}
	if _, err := m.provisioner.EnsureTopic(ctx, jt, cfg); err != nil {
		return "", err
	}
	return m.publisher.PublishDelayed(ctx, jt, cfg, args, o.delay)
}

// EnqueueRaw publishes a JSON payload for a registered job name. The payload
// must decode into the job's argument type.
func (m *Manager) EnqueueRaw(ctx context.Context, jobName string, data []byte, opts ...EnqueueOption) (string, error) {
	v, ok := m.names.Load(jobName)
	if !ok {
		return "", core.NewNotFoundError("Job type", jobName)
	}
	jt := v.(queue.JobType)
	b, _ := m.bindings.Load(jt)
	if err := b.(*binding).validate(data); err != nil {
		return "", core.NewInvalidRequestError("invalid payload for "+jobName+": "+err.Error(), map[string]any{
			"job_type": jobName,
		})
	}

	cfg := m.registry.Resolve(jt)
	o := buildEnqueueOptions(opts)
	if o.delay <= 0 {
		return m.publisher.PublishData(ctx, jt, cfg, data, o.priority)
	}
	if _, err := m.provisioner.EnsureTopic(ctx, jt, cfg); err != nil {
		return "", err
	}
	return m.publisher.PublishDelayedData(ctx, jt, cfg, data, o.delay)
}
