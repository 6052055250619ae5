package executor

import (
	"sort"

	"github.com/axiomengine/axiom-workers/pkg/domain"
)

type regKey struct {
	t domain.JobType
	v domain.Variant
}

// Registry maps (type, variant) pairs to executors. Both variants of a media
// type usually share one executor instance; the first registration for a type
// also becomes that type's default, used when a variant has no explicit entry.
type Registry struct {
	m        map[regKey]Executor
	defaults map[domain.JobType]Executor
}

func NewRegistry() *Registry {
	return &Registry{
		m:        make(map[regKey]Executor),
		defaults: make(map[domain.JobType]Executor),
	}
}

func (r *Registry) Register(t domain.JobType, v domain.Variant, ex Executor) {
	r.m[regKey{t: t, v: v}] = ex
	if _, ok := r.defaults[t]; !ok {
		r.defaults[t] = ex
	}
}

// Lookup resolves the executor for a request. An unregistered variant falls
// back to the type's default; an entirely unknown type is a validation
// failure, never a silent default.
func (r *Registry) Lookup(req *domain.JobRequest) (Executor, error) {
	if ex, ok := r.m[regKey{t: req.Type, v: req.Variant()}]; ok {
		return ex, nil
	}
	if ex, ok := r.defaults[req.Type]; ok {
		return ex, nil
	}
	return nil, domain.Validationf("unknown job type %q", req.Type)
}

// Types lists the media types with at least one registered executor.
func (r *Registry) Types() []domain.JobType {
	out := make([]domain.JobType, 0, len(r.defaults))
	for t := range r.defaults {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
