// Package routing matches bus events against declarative routing rules and dispatches violations to targets
package routing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/remedyforge/internal/bus"
)

// Operator is a condition operator of the routing DSL.
type Operator string

const (
	// OpIn matches when any value at the path is a member of the value set.
	OpIn Operator = "IN"
	// OpExists matches when the path resolves to at least one value.
	OpExists Operator = "EXISTS"
)

// Targets a routing rule may dispatch to.
const (
	TargetRemediator = "remediator"
	TargetNotifier   = "notifier"
)

// Condition is one {field path, operator, value set} predicate.
type Condition struct {
	Path   []string
	Op     Operator
	Values map[string]struct{}
}

// NewCondition parses a dotted path and builds a condition.
func NewCondition(path string, op string, values []string) (Condition, error) {
	if path == "" {
		return Condition{}, fmt.Errorf("condition path is required")
	}
	c := Condition{
		Path: strings.Split(path, "."),
		Op:   Operator(strings.ToUpper(op)),
	}
	switch c.Op {
	case OpIn:
		if len(values) == 0 {
			return Condition{}, fmt.Errorf("IN condition on %s needs at least one value", path)
		}
		c.Values = make(map[string]struct{}, len(values))
		for _, v := range values {
			c.Values[v] = struct{}{}
		}
	case OpExists:
	default:
		return Condition{}, fmt.Errorf("unsupported operator %q", op)
	}
	return c, nil
}

// Match evaluates the condition against a record. A path that does not
// resolve never matches.
func (c Condition) Match(record map[string]any) bool {
	values := lookup(record, c.Path)
	if len(values) == 0 {
		return false
	}
	if c.Op == OpExists {
		return true
	}
	for _, v := range values {
		s, ok := scalarString(v)
		if !ok {
			continue
		}
		if _, hit := c.Values[s]; hit {
			return true
		}
	}
	return false
}

// String renders the condition for logs and introspection.
func (c Condition) String() string {
	path := strings.Join(c.Path, ".")
	if c.Op == OpExists {
		return path + " EXISTS"
	}
	vals := make([]string, 0, len(c.Values))
	for v := range c.Values {
		vals = append(vals, v)
	}
	sort.Strings(vals)
	return fmt.Sprintf("%s IN %v", path, vals)
}

// Rule dispatches matching events to every listed target. All conditions must match.
type Rule struct {
	Name       string
	Conditions []Condition
	Targets    []string
}

// Match reports whether every condition matches the record.
func (r Rule) Match(record map[string]any) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Match(record) {
			return false
		}
	}
	return true
}

// lookup resolves a path through nested objects, descending into every
// element of arrays met on the way. Array leaves are flattened.
func lookup(record map[string]any, path []string) []any {
	current := []any{record}
	for _, key := range path {
		var next []any
		for _, node := range current {
			for _, obj := range objects(node) {
				if v, ok := obj[key]; ok {
					next = append(next, v)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}

	var out []any
	for _, v := range current {
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func objects(node any) []map[string]any {
	switch n := node.(type) {
	case map[string]any:
		return []map[string]any{n}
	case []any:
		var out []map[string]any
		for _, el := range n {
			if m, ok := el.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// scalarString renders a JSON scalar as the string compared against value sets.
func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case bool:
		if s {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

// Record builds the normalized record rules are evaluated against.
func Record(env bus.Envelope) (map[string]any, error) {
	var detail any
	dec := json.NewDecoder(bytes.NewReader(env.Detail))
	dec.UseNumber()
	if err := dec.Decode(&detail); err != nil {
		return nil, fmt.Errorf("failed to decode event detail: %w", err)
	}

	record := map[string]any{
		"id":          env.ID,
		"source":      env.Source,
		"detail-type": env.DetailType,
		"detail":      detail,
	}
	if env.Account != "" {
		record["account"] = env.Account
	}
	if env.Region != "" {
		record["region"] = env.Region
	}
	return record, nil
}
