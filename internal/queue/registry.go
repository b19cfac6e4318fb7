// Package queue holds the per job type queue configuration registry.
package queue

import (
	"sort"
	"sync"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
)

// entry is frozen once read: mu orders the read mark against Configure.
type entry struct {
	mu   sync.Mutex
	cfg  *Configuration
	read bool
}

func (e *entry) resolve() *Configuration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.read = true
	return e.cfg
}

// Registry maps job types to their queue configuration. Each job type gets
// exactly one configuration for the registry's lifetime.
type Registry struct {
	opts    Options
	entries sync.Map // map[JobType]*entry
}

// NewRegistry returns an empty registry that synthesizes configurations from opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts}
}

// Options returns the global options.
func (r *Registry) Options() Options {
	return r.opts
}

// Resolve returns the configuration for jt, synthesizing and storing one on
// first use. Concurrent first callers all observe the same instance.
func (r *Registry) Resolve(jt JobType) *Configuration {
	if v, ok := r.entries.Load(jt); ok {
		return v.(*entry).resolve()
	}

	cfg := r.opts.Synthesize(jt)
	v, _ := r.entries.LoadOrStore(jt, &entry{cfg: &cfg})
	return v.(*entry).resolve()
}

// Configure pre-seeds or overwrites the configuration for cfg.JobType. It
// fails once the configuration has been resolved.
func (r *Registry) Configure(cfg Configuration) error {
	if cfg.JobType.IsZero() {
		return core.NewConfigurationError("queue configuration has no job type", nil)
	}
	if cfg.JobName == "" {
		cfg.JobName = cfg.JobType.Name()
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = r.opts.Connection()
	}

	v, loaded := r.entries.LoadOrStore(cfg.JobType, &entry{cfg: &cfg})
	if !loaded {
		return nil
	}
	current := v.(*entry)
	current.mu.Lock()
	defer current.mu.Unlock()
	if current.read {
		return core.NewConfigurationError("queue configuration for "+cfg.JobName+" is already in use", map[string]any{
			"job_type": cfg.JobType.QualifiedName(),
		})
	}
	current.cfg = &cfg
	return nil
}

// ConfigureOverride seeds the synthesized configuration for jt with o applied.
func (r *Registry) ConfigureOverride(jt JobType, o Override) error {
	return r.Configure(o.Apply(r.opts.Synthesize(jt)))
}

// All returns every stored configuration ordered by job name.
func (r *Registry) All() []*Configuration {
	var out []*Configuration
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.cfg)
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].JobName < out[j].JobName })
	return out
}
