package gate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	g, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestEmbeddedTableBlocksTabManipulation(t *testing.T) {
	g := newGate(t, Defaults())

	cases := []struct {
		name    string
		code    string
		blocked bool
	}{
		{"clean", `document.querySelector("h1").textContent`, false},
		{"window open", `window.open("https://evil.test/")`, true},
		{"window open spaced", `window . open ( "x" )`, true},
		{"window close", `window.close()`, true},
		{"navigator redefine", `Object.defineProperty(navigator, "webdriver", {})`, true},
		{"open as substring", `myWindow.opener.postMessage("hi", "*")`, false},
		{"location warning only", `location.replace("https://x.test/")`, false},
		{"debugger warning only", `debugger;`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Check(tc.code)
			if tc.blocked && err == nil {
				t.Fatal("expected block")
			}
			if !tc.blocked && err != nil {
				t.Fatalf("unexpected block: %v", err)
			}
		})
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	g := newGate(t, Defaults())
	code := `window.open("a"); window.close(); debugger;`
	violations := g.Validate(code)
	if len(violations) != 3 {
		t.Fatalf("got %d violations, want 3: %+v", len(violations), violations)
	}
	// Table order is preserved.
	if violations[0].Severity != SeverityError || violations[2].Severity != SeverityWarning {
		t.Fatalf("violations out of table order: %+v", violations)
	}
}

func TestCheckReturnsTypedError(t *testing.T) {
	g := newGate(t, Defaults())
	err := g.Check(`window.open("x")`)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Check = %v, want *ValidationError", err)
	}
	if len(verr.Violations) != 1 {
		t.Fatalf("violations = %+v, want 1", verr.Violations)
	}
}

func TestWarningsEscalate(t *testing.T) {
	g := newGate(t, Config{Enforce: true, WarningsAreErrors: true})
	if err := g.Check(`debugger;`); err == nil {
		t.Fatal("escalated warning must block")
	}
}

func TestEnforcementOffLogsButPasses(t *testing.T) {
	g := newGate(t, Config{Enforce: false})
	if err := g.Check(`window.open("x")`); err != nil {
		t.Fatalf("enforcement off must pass: %v", err)
	}
	// Validation still reports, callers can inspect.
	if len(g.Validate(`window.open("x")`)) != 1 {
		t.Fatal("Validate must keep reporting with enforcement off")
	}
}

func TestLoadFileReplacesTable(t *testing.T) {
	g := newGate(t, Defaults())
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	table := `version: 7
patterns:
  - pattern: 'alert\s*\('
    reason: blocks the renderer with a dialog
    severity: error
`
	if err := os.WriteFile(path, []byte(table), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := g.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if g.Version() != 7 {
		t.Fatalf("version = %d, want 7", g.Version())
	}
	if err := g.Check(`alert("hi")`); err == nil {
		t.Fatal("new table not in effect")
	}
	if err := g.Check(`window.open("x")`); err != nil {
		t.Fatal("old table still in effect after replace")
	}
}

func TestLoadFileRejectsBadTableKeepsOld(t *testing.T) {
	g := newGate(t, Defaults())
	path := filepath.Join(t.TempDir(), "patterns.yaml")

	bad := []string{
		"version: 2\npatterns: []\n",
		"version: 2\npatterns:\n  - pattern: '([unclosed'\n    reason: x\n    severity: error\n",
		"version: 2\npatterns:\n  - pattern: 'x'\n    reason: x\n    severity: fatal\n",
	}
	for _, table := range bad {
		if err := os.WriteFile(path, []byte(table), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := g.LoadFile(path); err == nil {
			t.Fatalf("LoadFile accepted bad table:\n%s", table)
		}
	}
	// Embedded table survives every failed reload.
	if err := g.Check(`window.open("x")`); err == nil {
		t.Fatal("previous table lost after failed reloads")
	}
}
