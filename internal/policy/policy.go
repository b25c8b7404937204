// Package policy provides the pluggable compliance predicates evaluated against resource snapshots
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/inventory"
)

var (
	// ErrMalformedSnapshot is returned when a snapshot lacks the shape a predicate expects.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrUnknownPredicate is returned by Build for unregistered predicate names.
	ErrUnknownPredicate = errors.New("unknown predicate")
	// ErrInvalidDecision is returned when a predicate yields a status outside its vocabulary.
	ErrInvalidDecision = errors.New("invalid predicate decision")
)

// Decision is the result of applying a predicate to a snapshot.
type Decision struct {
	Status     compliance.Status `json:"status"`
	Annotation string            `json:"annotation,omitempty"`
}

// Valid reports whether the decision carries a predicate status.
// ERROR is reserved for the evaluator.
func (d Decision) Valid() bool {
	switch d.Status {
	case compliance.StatusCompliant, compliance.StatusNonCompliant, compliance.StatusNotApplicable:
		return true
	}
	return false
}

// Predicate decides the compliance of a snapshot. Implementations must be
// deterministic: the same snapshot always yields the same decision.
type Predicate interface {
	Evaluate(ctx context.Context, snap inventory.Snapshot) (Decision, error)
}

// PredicateFunc adapts a plain function to Predicate.
type PredicateFunc func(snap inventory.Snapshot) (Decision, error)

// Evaluate implements Predicate.
func (f PredicateFunc) Evaluate(_ context.Context, snap inventory.Snapshot) (Decision, error) {
	return f(snap)
}

// Factory builds a predicate from rule parameters.
type Factory func(params map[string]string) (Predicate, error)

// Registry maps predicate names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in predicates.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("s3-cmk-encryption", func(map[string]string) (Predicate, error) {
		return S3CMKEncryption(), nil
	})
	r.Register("required-tag", func(params map[string]string) (Predicate, error) {
		key := params["key"]
		if key == "" {
			return nil, fmt.Errorf("required-tag: key parameter is required")
		}
		return RequiredTag(key), nil
	})
	r.Register("rego", NewRegoFromParams)
	return r
}

// Register adds or replaces a predicate factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build instantiates the named predicate.
func (r *Registry) Build(name string, params map[string]string) (Predicate, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPredicate, name)
	}
	return f(params)
}

// Names lists the registered predicate names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedSnapshot, fmt.Sprintf(format, args...))
}
