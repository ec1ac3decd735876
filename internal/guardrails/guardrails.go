// Package guardrails validates inbound user messages before a workflow
// turn starts. Built-in checks cover length limits, prompt injection
// heuristics, and SQL injection heuristics; operators can add custom
// rules written as expr expressions.
package guardrails

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// Rule is a custom blocking rule. The expression is evaluated against
// the inbound message; when it returns true the message is rejected.
//
// Available variables: message (string), length (int), channel (string).
// Example: `length > 500 && channel == "telegram"`.
type Rule struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

type compiledRule struct {
	name    string
	program *vm.Program
}

type ruleEnv struct {
	Message string `expr:"message"`
	Length  int    `expr:"length"`
	Channel string `expr:"channel"`
}

// Checker runs all input guardrails for one deployment.
type Checker struct {
	maxChars int
	rules    []compiledRule
}

// New compiles the custom rules and returns a Checker.
// maxChars <= 0 disables the length check.
func New(maxChars int, rules []Rule) (*Checker, error) {
	c := &Checker{maxChars: maxChars}
	for _, r := range rules {
		program, err := expr.Compile(r.Expr, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile guardrail rule %q: %w", r.Name, err)
		}
		c.rules = append(c.rules, compiledRule{name: r.Name, program: program})
	}
	return c, nil
}

// LoadRulesFromEnv reads custom rules from CONVODECK_GUARDRAIL_RULES,
// a JSON array of {"name": ..., "expr": ...} objects. Returns nil when
// the variable is unset.
func LoadRulesFromEnv() ([]Rule, error) {
	raw := os.Getenv("CONVODECK_GUARDRAIL_RULES")
	if raw == "" {
		return nil, nil
	}
	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("parse CONVODECK_GUARDRAIL_RULES: %w", err)
	}
	return rules, nil
}

// CheckInput validates an inbound message. A non-nil return is always a
// *models.ValidationError and must not be retried.
func (c *Checker) CheckInput(message string, channel models.Channel) error {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return &models.ValidationError{Field: "message", Reason: "message is empty"}
	}

	if c.maxChars > 0 && utf8.RuneCountInString(message) > c.maxChars {
		return &models.ValidationError{
			Field:  "message",
			Reason: fmt.Sprintf("message exceeds maximum length of %d characters", c.maxChars),
		}
	}

	if matchesAny(injectionPatterns, message) {
		return &models.ValidationError{Field: "message", Reason: "potential prompt injection detected"}
	}

	if matchesAny(sqlInjectionPatterns, message) {
		return &models.ValidationError{Field: "message", Reason: "potential SQL injection detected"}
	}

	env := ruleEnv{
		Message: message,
		Length:  utf8.RuneCountInString(message),
		Channel: string(channel),
	}
	for _, r := range c.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			// A broken rule never blocks traffic.
			continue
		}
		if blocked, ok := out.(bool); ok && blocked {
			return &models.ValidationError{Field: "message", Reason: "blocked by guardrail rule: " + r.name}
		}
	}

	return nil
}

// ── Prompt Injection Detection ──────────────────────────────
// Heuristic patterns for common prompt injection phrasings.

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
}

// ── SQL Injection Detection ─────────────────────────────────
// The dataset engine already refuses anything but SELECT on registered
// tables; this is the first line in front of the model call.

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate|update|insert|alter)\s`),
	regexp.MustCompile(`(?i)union\s+(all\s+)?select`),
	regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1`),
	regexp.MustCompile(`(?i)--\s*$`),
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
