package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/inventory"
)

// DefaultRegoQuery is evaluated when a rule does not name its own query.
const DefaultRegoQuery = "data.remedyforge.decision"

// Rego evaluates a prepared Rego query against the snapshot input document.
// The query must yield either a status string or an object with "status"
// and optional "annotation" keys.
type Rego struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// NewRego compiles module and prepares query for evaluation.
func NewRego(ctx context.Context, name, module, query string) (*Rego, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego query %s: %w", query, err)
	}
	return &Rego{query: query, prepared: prepared}, nil
}

// NewRegoFromParams builds a Rego predicate from rule parameters: either
// "module" (inline source) or "module_path", plus optional "query".
func NewRegoFromParams(params map[string]string) (Predicate, error) {
	module := params["module"]
	name := "inline.rego"
	if path := params["module_path"]; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rego module: %w", err)
		}
		module = string(data)
		name = path
	}
	if module == "" {
		return nil, fmt.Errorf("rego: module or module_path parameter is required")
	}
	return NewRego(context.Background(), name, module, params["query"])
}

// Evaluate implements Predicate.
func (r *Rego) Evaluate(ctx context.Context, snap inventory.Snapshot) (Decision, error) {
	rs, err := r.prepared.Eval(ctx, rego.EvalInput(snap.Input()))
	if err != nil {
		return Decision{}, fmt.Errorf("rego evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("%w: query %s is undefined", ErrInvalidDecision, r.query)
	}

	var d Decision
	switch v := rs[0].Expressions[0].Value.(type) {
	case string:
		d.Status = compliance.Status(v)
	case map[string]interface{}:
		status, _ := v["status"].(string)
		d.Status = compliance.Status(status)
		d.Annotation, _ = v["annotation"].(string)
	default:
		return Decision{}, fmt.Errorf("%w: query %s returned %T", ErrInvalidDecision, r.query, v)
	}

	if !d.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidDecision, d.Status)
	}
	return d, nil
}
