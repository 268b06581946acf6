package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SyntaxError is a parse failure with a 1-based line number.
type SyntaxError struct {
	Msg  string
	Line int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at line %d", e.Msg, e.Line)
}

// SyntaxChecker reports whether a script parses.
// It returns a *SyntaxError for invalid source and any other error when the
// check itself could not be performed.
type SyntaxChecker interface {
	Name() string
	CheckSyntax(ctx context.Context, src string) error
}

// TokenChecker is a dependency-free Python tokenizer. It detects
// unterminated string literals, unbalanced brackets and stray line
// continuations. It does not build a full AST.
type TokenChecker struct{}

func (TokenChecker) Name() string { return "tokenizer" }

func (TokenChecker) CheckSyntax(_ context.Context, src string) error {
	type open struct {
		ch   byte
		line int
	}
	var stack []open
	line := 1

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++

		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case c == '\\':
			switch {
			case i+1 < len(src) && src[i+1] == '\n':
				line++
				i += 2
			case i+2 < len(src) && src[i+1] == '\r' && src[i+2] == '\n':
				line++
				i += 3
			case i+1 == len(src):
				i++
			default:
				return &SyntaxError{Msg: "unexpected character after line continuation character", Line: line}
			}

		case c == '\'' || c == '"':
			next, lines, err := scanString(src, i, line)
			if err != nil {
				return err
			}
			line += lines
			i = next

		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			if j < len(src) && (src[j] == '\'' || src[j] == '"') && isStringPrefix(src[i:j]) {
				next, lines, err := scanString(src, j, line)
				if err != nil {
					return err
				}
				line += lines
				j = next
			}
			i = j

		case c >= '0' && c <= '9':
			for i < len(src) && (isIdentPart(src[i]) || src[i] == '.') {
				i++
			}

		case c == '(' || c == '[' || c == '{':
			stack = append(stack, open{ch: c, line: line})
			i++

		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 {
				return &SyntaxError{Msg: fmt.Sprintf("unmatched '%c'", c), Line: line}
			}
			top := stack[len(stack)-1]
			if closerFor(top.ch) != c {
				msg := fmt.Sprintf("closing parenthesis '%c' does not match opening parenthesis '%c'", c, top.ch)
				if top.line != line {
					msg += fmt.Sprintf(" on line %d", top.line)
				}
				return &SyntaxError{Msg: msg, Line: line}
			}
			stack = stack[:len(stack)-1]
			i++

		default:
			i++
		}
	}

	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return &SyntaxError{Msg: fmt.Sprintf("'%c' was never closed", top.ch), Line: top.line}
	}
	return nil
}

// scanString consumes the literal whose opening quote is at src[i].
// It returns the index after the closing quote and the newlines consumed.
func scanString(src string, i, line int) (int, int, error) {
	q := src[i]
	lines := 0

	if i+2 < len(src) && src[i+1] == q && src[i+2] == q {
		for j := i + 3; j < len(src); {
			switch {
			case src[j] == '\\':
				if j+1 < len(src) && src[j+1] == '\n' {
					lines++
				}
				j += 2
			case src[j] == q && j+2 < len(src) && src[j+1] == q && src[j+2] == q:
				return j + 3, lines, nil
			default:
				if src[j] == '\n' {
					lines++
				}
				j++
			}
		}
		return 0, 0, &SyntaxError{Msg: "unterminated triple-quoted string literal", Line: line}
	}

	for j := i + 1; j < len(src); {
		switch src[j] {
		case '\\':
			if j+1 < len(src) && src[j+1] == '\n' {
				lines++
			}
			j += 2
		case '\n':
			return 0, 0, &SyntaxError{Msg: "unterminated string literal", Line: line + lines}
		case q:
			return j + 1, lines, nil
		default:
			j++
		}
	}
	return 0, 0, &SyntaxError{Msg: "unterminated string literal", Line: line + lines}
}

func closerFor(c byte) byte {
	switch c {
	case '(':
		return ')'
	case '[':
		return ']'
	}
	return '}'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isStringPrefix(p string) bool {
	switch strings.ToLower(p) {
	case "r", "u", "b", "f", "br", "rb", "fr", "rf":
		return true
	}
	return false
}

// pyCompileProgram reads a script on stdin and exits 3 with "line\tmsg" on a syntax error.
const pyCompileProgram = `import sys
src = sys.stdin.read()
try:
    compile(src, "<script>", "exec")
except SyntaxError as e:
    sys.stdout.write("%d\t%s" % (e.lineno or 0, e.msg))
    sys.exit(3)
`

const syntaxErrorExitCode = 3

// PythonChecker compiles the script with a real Python interpreter.
type PythonChecker struct {
	Interpreter string        // Defaults to "python3".
	Timeout     time.Duration // Defaults to 10s.
}

func (p PythonChecker) Name() string { return "python" }

func (p PythonChecker) CheckSyntax(ctx context.Context, src string) error {
	interp := p.Interpreter
	if interp == "" {
		interp = "python3"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, interp, "-c", pyCompileProgram)
	cmd.Stdin = strings.NewReader(src)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == syntaxErrorExitCode {
		lineStr, msg, _ := strings.Cut(stdout.String(), "\t")
		n, _ := strconv.Atoi(strings.TrimSpace(lineStr))
		return &SyntaxError{Msg: strings.TrimSpace(msg), Line: n}
	}
	return fmt.Errorf("running %s: %w (%s)", interp, err, strings.TrimSpace(stderr.String()))
}
