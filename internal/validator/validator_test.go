package validator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const cleanScript = `import requests
from bs4 import BeautifulSoup


def main() -> int:
    resp = requests.get("https://example.test/list", timeout=30)
    soup = BeautifulSoup(resp.content, "html.parser")
    items = [{"title": el.get_text(strip=True)} for el in soup.find_all("h2")]
    print(items)
    return 0


if __name__ == "__main__":
    raise SystemExit(main())
`

func TestValidate_CleanScript(t *testing.T) {
	v := New(discardLogger())
	res := v.Validate(context.Background(), cleanScript)
	if !res.Valid {
		t.Fatalf("expected valid, got issues %v", res.Messages())
	}
	if len(res.Issues) != 0 {
		t.Errorf("expected no issues, got %v", res.Messages())
	}
}

func TestValidate_UnterminatedStringShortCircuits(t *testing.T) {
	// Also contains forbidden constructs which must not be reported.
	script := "import subprocess\nx = 1\ny = \"never closed\nopen('f')\n"

	v := New(discardLogger())
	res := v.Validate(context.Background(), script)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.Issues) != 1 {
		t.Fatalf("expected exactly one issue, got %v", res.Messages())
	}
	issue := res.Issues[0]
	if issue.Kind != KindSyntax {
		t.Errorf("Kind = %q, want syntax", issue.Kind)
	}
	if issue.Line != 3 {
		t.Errorf("Line = %d, want 3", issue.Line)
	}
	if !strings.HasPrefix(issue.Message, "Syntax error:") || !strings.Contains(issue.Message, "line 3") {
		t.Errorf("Message = %q", issue.Message)
	}
}

func TestValidate_ForbiddenConstructs(t *testing.T) {
	script := "import subprocess\nimport os\nos.system('ls')\nx = eval('1')\nexec('y = 2')\n"

	v := New(discardLogger())
	res := v.Validate(context.Background(), script)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	want := []string{
		"Potentially dangerous code detected: subprocess",
		"Potentially dangerous code detected: os.system",
		"Potentially dangerous code detected: eval",
		"Potentially dangerous code detected: exec(",
	}
	got := res.Messages()
	for _, w := range want {
		found := false
		for _, g := range got {
			if g == w {
				found = true
			}
		}
		if !found {
			t.Errorf("missing issue %q in %v", w, got)
		}
	}
}

func TestValidate_SecurityPatterns(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		pattern string
		line    int
	}{
		{"open", "x = 1\nwith open ('a.txt') as f:\n    pass\n", `open\s*\(`, 2},
		{"dunder import", "m = __import__('json')\n", `__import__`, 1},
		{"os submodule", "import os.path\n", `import\s+os\.`, 1},
		{"compile", "c = compile('1', 'x', 'single')\n", `compile\(`, 1},
	}
	v := New(discardLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(context.Background(), tt.script)
			if res.Valid {
				t.Fatal("expected invalid")
			}
			var found *Issue
			for i := range res.Issues {
				if res.Issues[i].Kind == KindPattern && strings.Contains(res.Issues[i].Message, tt.pattern) {
					found = &res.Issues[i]
				}
			}
			if found == nil {
				t.Fatalf("pattern %s not reported: %v", tt.pattern, res.Messages())
			}
			if found.Line != tt.line {
				t.Errorf("Line = %d, want %d", found.Line, tt.line)
			}
		})
	}
}

func TestValidate_SizeLimit(t *testing.T) {
	script := "x = 1\n" + strings.Repeat("# padding\n", 20)

	v := New(discardLogger(), WithMaxScriptSize(50))
	res := v.Validate(context.Background(), script)
	if res.Valid {
		t.Fatal("expected invalid")
	}
	if len(res.Issues) != 1 || res.Issues[0].Kind != KindSize {
		t.Fatalf("expected one size issue, got %v", res.Messages())
	}
	if !strings.Contains(res.Issues[0].Message, "> 50 characters") {
		t.Errorf("Message = %q", res.Issues[0].Message)
	}
}

type failingChecker struct{}

func (failingChecker) Name() string { return "broken" }
func (failingChecker) CheckSyntax(context.Context, string) error {
	return errors.New("interpreter missing")
}

func TestValidate_CheckerFailureFallsBackToTokenizer(t *testing.T) {
	v := New(discardLogger(), WithSyntaxChecker(failingChecker{}))

	if res := v.Validate(context.Background(), cleanScript); !res.Valid {
		t.Errorf("clean script: %v", res.Messages())
	}
	res := v.Validate(context.Background(), "x = (1,\n")
	if res.Valid || res.Issues[0].Kind != KindSyntax {
		t.Errorf("expected syntax issue, got %v", res.Messages())
	}
}

func TestPythonChecker_MissingInterpreter(t *testing.T) {
	p := PythonChecker{Interpreter: "/nonexistent/python3"}
	err := p.CheckSyntax(context.Background(), "x = 1\n")
	if err == nil {
		t.Fatal("expected error")
	}
	var se *SyntaxError
	if errors.As(err, &se) {
		t.Errorf("missing interpreter must not be reported as a syntax error: %v", err)
	}
}
