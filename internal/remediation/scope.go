package remediation

import (
	"fmt"
	"strings"
)

// Permission is one IAM action/resource-ARN pair an action may use.
type Permission struct {
	Action   string `json:"action" yaml:"action"`
	Resource string `json:"resource" yaml:"resource"`
}

// Scope is the fixed set of permissions granted to one action.
type Scope []Permission

// Covers reports whether every IAM action in required has a grant.
func (s Scope) Covers(required []string) error {
	var missing []string
	for _, action := range required {
		found := false
		for _, p := range s {
			if strings.EqualFold(p.Action, action) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, action)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("scope does not grant %s", strings.Join(missing, ", "))
	}
	return nil
}

// Allows reports whether action may be applied to the resource ARN.
func (s Scope) Allows(action, arn string) bool {
	for _, p := range s {
		if strings.EqualFold(p.Action, action) && wildcardMatch(p.Resource, arn) {
			return true
		}
	}
	return false
}

// wildcardMatch matches IAM-style resource patterns where '*' spans any
// run of characters (including ':' and '/') and '?' matches one character.
func wildcardMatch(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = i
			p++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
