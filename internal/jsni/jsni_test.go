package jsni

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/devchannel/internal/testutil/testlog"
)

func TestPrepareKeepsGlobalNames(t *testing.T) {
	testlog.Start(t)
	src := "function onClick(  count ) {\n  // bump\n  return count   + 1;\n}\n"
	out, err := Preparer{Minify: true}.Prepare(src)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !strings.Contains(out, "function onClick(") {
		t.Fatalf("global renamed or dropped: %q", out)
	}
	if strings.Contains(out, "bump") || len(out) >= len(src) {
		t.Fatalf("expected minified output, got %q", out)
	}
}

func TestPrepareWithoutMinifyPreservesStatements(t *testing.T) {
	testlog.Start(t)
	out, err := Preparer{}.Prepare("var answer = 42;")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !strings.Contains(out, "answer = 42") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestPrepareRejectsSyntaxErrors(t *testing.T) {
	testlog.Start(t)
	_, err := Preparer{}.Prepare("function broken( {")
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected ErrSyntax, got %v", err)
	}
}
