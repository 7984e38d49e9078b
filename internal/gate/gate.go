// Package gate validates caller-supplied scripts against an ordered pattern
// table before they may reach a session handle. It is the single choke
// point for caller code; enforcement fails closed and defaults to on.
package gate

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatternsYAML []byte

// Severity classifies a pattern violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one matched pattern with its classification.
type Violation struct {
	Pattern  string   `json:"pattern"`
	Reason   string   `json:"reason"`
	Severity Severity `json:"severity"`
}

// ValidationError reports a blocked script. The execute call carrying the
// script must never reach a session handle once this is returned.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	reasons := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", v.Reason, v.Severity))
	}
	return "script blocked: " + strings.Join(reasons, "; ")
}

// Config controls enforcement. The zero value is the UNSAFE configuration;
// use Defaults() or the config package, both of which switch enforcement on.
type Config struct {
	Enforce           bool `yaml:"enforce"`
	WarningsAreErrors bool `yaml:"warnings_are_errors"`
}

// Defaults returns the safe configuration: enforcement on.
func Defaults() Config {
	return Config{Enforce: true}
}

type rule struct {
	re       *regexp.Regexp
	pattern  string
	reason   string
	severity Severity
}

type tableFile struct {
	Version  int `yaml:"version"`
	Patterns []struct {
		Pattern  string   `yaml:"pattern"`
		Reason   string   `yaml:"reason"`
		Severity Severity `yaml:"severity"`
	} `yaml:"patterns"`
}

// Gate holds the compiled pattern table. Reload swaps the table atomically,
// so a config watcher can refresh patterns without interrupting callers.
type Gate struct {
	cfg Config
	log *zap.Logger

	mu      sync.RWMutex
	version int
	rules   []rule
}

// New compiles the embedded default table.
func New(cfg Config, log *zap.Logger) (*Gate, error) {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gate{cfg: cfg, log: log.Named("gate")}
	if err := g.reload(defaultPatternsYAML); err != nil {
		return nil, fmt.Errorf("embedded pattern table: %w", err)
	}
	return g, nil
}

// LoadFile replaces the table from a caller-provided YAML file.
func (g *Gate) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pattern table: %w", err)
	}
	if err := g.reload(data); err != nil {
		return fmt.Errorf("pattern table %s: %w", path, err)
	}
	g.log.Info("pattern table loaded", zap.String("path", path), zap.Int("version", g.Version()))
	return nil
}

func (g *Gate) reload(data []byte) error {
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return err
	}
	if len(tf.Patterns) == 0 {
		return fmt.Errorf("table declares no patterns")
	}
	rules := make([]rule, 0, len(tf.Patterns))
	for i, p := range tf.Patterns {
		if p.Severity != SeverityError && p.Severity != SeverityWarning {
			return fmt.Errorf("pattern %d: unknown severity %q", i, p.Severity)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("pattern %d (%q): %w", i, p.Pattern, err)
		}
		rules = append(rules, rule{re: re, pattern: p.Pattern, reason: p.Reason, severity: p.Severity})
	}
	g.mu.Lock()
	g.version = tf.Version
	g.rules = rules
	g.mu.Unlock()
	return nil
}

// Version returns the loaded table version.
func (g *Gate) Version() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Validate matches code against the table in order and returns every
// violation. An empty result means the script is clean.
func (g *Gate) Validate(code string) []Violation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Violation
	for _, r := range g.rules {
		if r.re.MatchString(code) {
			out = append(out, Violation{Pattern: r.pattern, Reason: r.reason, Severity: r.severity})
		}
	}
	return out
}

// Check applies enforcement policy on top of Validate: error-severity
// violations block when enforcement is on; warnings block only when the
// configuration escalates them. Warnings that do not block are logged.
func (g *Gate) Check(code string) error {
	violations := g.Validate(code)
	if len(violations) == 0 {
		return nil
	}

	var blocking []Violation
	for _, v := range violations {
		switch v.Severity {
		case SeverityError:
			blocking = append(blocking, v)
		case SeverityWarning:
			if g.cfg.WarningsAreErrors {
				blocking = append(blocking, v)
			} else {
				g.log.Warn("script warning",
					zap.String("pattern", v.Pattern),
					zap.String("reason", v.Reason))
			}
		}
	}

	if len(blocking) == 0 {
		return nil
	}
	if !g.cfg.Enforce {
		for _, v := range blocking {
			g.log.Warn("script violation (enforcement off)",
				zap.String("pattern", v.Pattern),
				zap.String("reason", v.Reason),
				zap.String("severity", string(v.Severity)))
		}
		return nil
	}
	return &ValidationError{Violations: blocking}
}
