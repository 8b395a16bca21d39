// Package safety scores proposed actions and worker output before the
// orchestrator accepts them. Scoring is pure: the same input always yields
// the same score and violation list.
package safety

import (
	"regexp"
	"strings"
)

// Result is a score in [0,1] plus the rules that fired. 1.0 is clean.
type Result struct {
	Score      float64  `json:"score"`
	Violations []string `json:"violations,omitempty"`
}

type rule struct {
	name    string
	penalty float64
	match   *regexp.Regexp
}

var rules = []rule{
	{"destructive_filesystem", 0.9, regexp.MustCompile(`(?i)rm\s+-rf\s+[/~]|mkfs\.|dd\s+if=.*of=/dev/`)},
	{"force_push", 0.5, regexp.MustCompile(`(?i)git\s+push\s+(--force|-f)\b`)},
	{"history_rewrite", 0.4, regexp.MustCompile(`(?i)git\s+(reset\s+--hard\s+origin|filter-branch)`)},
	{"credential_exfiltration", 0.9, regexp.MustCompile(`(?i)(curl|wget).*(api[_-]?key|secret|token|password)=`)},
	{"secret_material", 0.6, regexp.MustCompile(`(?i)-----BEGIN (RSA|EC|OPENSSH) PRIVATE KEY-----|aws_secret_access_key`)},
	{"privilege_escalation", 0.5, regexp.MustCompile(`(?i)\bsudo\s+(su|chmod\s+777\s+/|chown\s+root)`)},
	{"prompt_injection", 0.4, regexp.MustCompile(`(?i)ignore (all )?(previous|prior) instructions`)},
	{"sql_destruction", 0.7, regexp.MustCompile(`(?i)\b(drop\s+(table|database)|truncate\s+table)\b`)},
}

// Score evaluates an action or output. Each matched rule subtracts its
// penalty; the floor is 0.
func Score(action string) Result {
	res := Result{Score: 1.0}
	if strings.TrimSpace(action) == "" {
		return res
	}
	for _, r := range rules {
		if r.match.MatchString(action) {
			res.Violations = append(res.Violations, r.name)
			res.Score -= r.penalty
		}
	}
	if res.Score < 0 {
		res.Score = 0
	}
	return res
}

// Scorer is the function type the retry loop and gates depend on, so tests
// can substitute deterministic scores.
type Scorer func(action string) Result
