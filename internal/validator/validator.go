// Package validator performs static safety and sanity checks on generated
// scraper scripts before they are stored or executed.
//
// Validation is advisory: a script with issues can still be stored and run.
// Callers decide whether to log, reject or ignore the issues.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// DefaultMaxScriptSize is the script length above which a size issue is reported.
const DefaultMaxScriptSize = 10000

// IssueKind classifies a validation issue.
type IssueKind string

const (
	KindSyntax    IssueKind = "syntax"
	KindSize      IssueKind = "size"
	KindForbidden IssueKind = "forbidden"
	KindPattern   IssueKind = "pattern"
)

// Issue is one problem found in a script.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Message string    `json:"message"`
	Line    int       `json:"line,omitempty"`
}

func (i Issue) String() string { return i.Message }

// Result is the outcome of Validate.
type Result struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Messages returns the issue messages in order.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Issues))
	for _, i := range r.Issues {
		out = append(out, i.Message)
	}
	return out
}

// forbiddenSubstrings flag process spawning and dynamic evaluation.
var forbiddenSubstrings = []string{"subprocess", "os.system", "eval", "exec("}

// securityPatterns flag dynamic imports and raw file access.
var securityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`import\s+os\.`),
	regexp.MustCompile(`__import__`),
	regexp.MustCompile(`compile\(`),
	regexp.MustCompile(`file\s*\(`),
	regexp.MustCompile(`open\s*\(`),
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxScriptSize overrides DefaultMaxScriptSize. Values <= 0 are ignored.
func WithMaxScriptSize(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.maxSize = n
		}
	}
}

// WithSyntaxChecker replaces the built-in tokenizer.
func WithSyntaxChecker(c SyntaxChecker) Option {
	return func(v *Validator) {
		if c != nil {
			v.checker = c
		}
	}
}

// Validator checks scripts. Safe for concurrent use.
type Validator struct {
	checker SyntaxChecker
	builtin SyntaxChecker
	maxSize int
	logger  *slog.Logger
}

// New creates a Validator that uses TokenChecker unless overridden.
func New(logger *slog.Logger, opts ...Option) *Validator {
	v := &Validator{
		checker: TokenChecker{},
		builtin: TokenChecker{},
		maxSize: DefaultMaxScriptSize,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MaxScriptSize returns the configured size limit.
func (v *Validator) MaxScriptSize() int { return v.maxSize }

// Validate checks script. A syntax error short-circuits: the result then
// holds exactly that one issue.
func (v *Validator) Validate(ctx context.Context, script string) Result {
	if issue, ok := v.checkSyntax(ctx, script); !ok {
		return Result{Valid: false, Issues: []Issue{issue}}
	}

	var issues []Issue
	for _, s := range forbiddenSubstrings {
		if strings.Contains(script, s) {
			issues = append(issues, Issue{
				Kind:    KindForbidden,
				Message: fmt.Sprintf("Potentially dangerous code detected: %s", s),
			})
		}
	}

	if n := len(script); n > v.maxSize {
		issues = append(issues, Issue{
			Kind:    KindSize,
			Message: fmt.Sprintf("Script too long (%d > %d characters)", n, v.maxSize),
		})
	}

	for _, re := range securityPatterns {
		if loc := re.FindStringIndex(script); loc != nil {
			issues = append(issues, Issue{
				Kind:    KindPattern,
				Message: fmt.Sprintf("Security concern: pattern '%s' detected", re.String()),
				Line:    lineOf(script, loc[0]),
			})
		}
	}

	return Result{Valid: len(issues) == 0, Issues: issues}
}

// checkSyntax runs the configured checker. When the checker itself cannot
// run (for example python3 is missing) the built-in tokenizer is used instead.
func (v *Validator) checkSyntax(ctx context.Context, script string) (Issue, bool) {
	err := v.checker.CheckSyntax(ctx, script)
	var se *SyntaxError
	if err != nil && !errors.As(err, &se) {
		v.logger.WarnContext(ctx, "syntax checker unavailable, using tokenizer",
			slog.String("checker", v.checker.Name()),
			slog.String("error", err.Error()),
		)
		err = v.builtin.CheckSyntax(ctx, script)
	}
	if err == nil {
		return Issue{}, true
	}
	if !errors.As(err, &se) {
		return Issue{Kind: KindSyntax, Message: "Syntax error: " + err.Error()}, false
	}
	return Issue{
		Kind:    KindSyntax,
		Message: fmt.Sprintf("Syntax error: %s at line %d", se.Msg, se.Line),
		Line:    se.Line,
	}, false
}

func lineOf(s string, offset int) int {
	line := 1
	for i := 0; i < offset && i < len(s); i++ {
		if s[i] == '\n' {
			line++
		}
	}
	return line
}
