// Package suite runs declarative program suites: YAML files listing IL
// programs together with the result, error kind and output each should
// produce.
//
// A suite file looks like:
//
//	cases:
//	  - name: factorial
//	    source: |
//	      block 0 { r0 = 5; r2 = 1; goto(1); }
//	      ...
//	    result: 120
//	  - name: double free
//	    file: programs/double_free.il
//	    error_kind: runtime
//	    error: invalid free
//
// Each case names its program either inline (source) or by path relative to
// the suite file (file). A file may hold program text or a compiled image.
package suite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/vm"
)

var log = commonlog.GetLogger("ilvm.suite")

// Suite is a loaded suite file.
type Suite struct {
	Path  string
	Cases []Case
}

// Case is one program and its expected outcome. Exactly one of Result and
// ErrorKind is set.
type Case struct {
	Name      string  `yaml:"name"`
	Source    string  `yaml:"source,omitempty"`
	File      string  `yaml:"file,omitempty"`
	Result    *int32  `yaml:"result,omitempty"`
	ErrorKind string  `yaml:"error_kind,omitempty"`
	Error     string  `yaml:"error,omitempty"` // substring of the error message
	Output    *string `yaml:"output,omitempty"`
	HeapSize  int     `yaml:"heap_size,omitempty"`
	Registers int     `yaml:"registers,omitempty"`
	MaxSteps  int64   `yaml:"max_steps,omitempty"`
}

type suiteFile struct {
	Cases []Case `yaml:"cases"`
}

// ValidationError aggregates suite validation failures.
type ValidationError struct {
	Path   string
	Issues []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "suite %s is invalid:", e.Path)
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue)
	}
	return b.String()
}

// Load reads and validates a suite file. Unknown keys are rejected.
func Load(path string) (*Suite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("suite: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var raw suiteFile
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("suite: %s is empty", path)
		}
		return nil, fmt.Errorf("suite: parse %s: %w", path, err)
	}

	s := &Suite{Path: path, Cases: raw.Cases}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Suite) validate() error {
	var issues []string
	seen := make(map[string]bool)
	for i, c := range s.Cases {
		label := fmt.Sprintf("case %d", i+1)
		if c.Name != "" {
			label = fmt.Sprintf("case %q", c.Name)
		}
		switch {
		case c.Name == "":
			issues = append(issues, label+": name is required")
		case seen[c.Name]:
			issues = append(issues, label+": duplicate name")
		}
		seen[c.Name] = true

		if (c.Source == "") == (c.File == "") {
			issues = append(issues, label+": exactly one of source and file is required")
		}
		if (c.Result == nil) == (c.ErrorKind == "") {
			issues = append(issues, label+": exactly one of result and error_kind is required")
		}
		if c.ErrorKind != "" {
			if _, ok := parseKind(c.ErrorKind); !ok {
				issues = append(issues, fmt.Sprintf("%s: unknown error_kind %q", label, c.ErrorKind))
			}
		}
		if c.Error != "" && c.ErrorKind == "" {
			issues = append(issues, label+": error requires error_kind")
		}
		if c.HeapSize < 0 || c.Registers < 0 || c.MaxSteps < 0 {
			issues = append(issues, label+": sizes must not be negative")
		}
	}
	if len(s.Cases) == 0 {
		issues = append(issues, "no cases")
	}
	if len(issues) > 0 {
		return &ValidationError{Path: s.Path, Issues: issues}
	}
	return nil
}

func parseKind(s string) (vm.Kind, bool) {
	for _, k := range []vm.Kind{vm.KindRuntime, vm.KindUsage, vm.KindParse, vm.KindIO} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Outcome is the result of running one case.
type Outcome struct {
	Case   string
	Pass   bool
	Result int32
	Kind   string // error kind; empty on success
	Error  string
	Output string
	Stats  vm.Stats

	// Failures lists every way the run differed from the expectation.
	Failures []string
}

func (o Outcome) String() string {
	if o.Pass {
		return "PASS " + o.Case
	}
	return "FAIL " + o.Case + ": " + strings.Join(o.Failures, "; ")
}

// Run executes every case of s on a machine derived from cfg. Case sizes
// override cfg; output is captured per case.
func (s *Suite) Run(ctx context.Context, cfg vm.Config) []Outcome {
	return Run(ctx, s.Cases, cfg, filepath.Dir(s.Path))
}

// Run executes cases on a machine derived from cfg. Relative file paths
// resolve against dir.
func Run(ctx context.Context, cases []Case, cfg vm.Config, dir string) []Outcome {
	outcomes := make([]Outcome, 0, len(cases))
	for _, c := range cases {
		o := runCase(ctx, c, cfg, dir)
		log.Debugf("%s", o)
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func runCase(ctx context.Context, c Case, cfg vm.Config, dir string) Outcome {
	if c.HeapSize > 0 {
		cfg.HeapSize = c.HeapSize
	}
	if c.Registers > 0 {
		cfg.Registers = c.Registers
	}
	if c.MaxSteps > 0 {
		cfg.MaxSteps = c.MaxSteps
	}
	var out bytes.Buffer
	cfg.Output = &out

	o := Outcome{Case: c.Name}
	result, stats, err := execute(ctx, c, cfg, dir)
	o.Result, o.Stats, o.Output = result, stats, out.String()
	if err != nil {
		o.Result = 0
		o.Kind = vm.KindOf(err).String()
		o.Error = err.Error()
	}

	if c.Result != nil {
		if err != nil {
			o.Failures = append(o.Failures, fmt.Sprintf("want result %d, got %s error: %s", *c.Result, o.Kind, o.Error))
		} else if result != *c.Result {
			o.Failures = append(o.Failures, fmt.Sprintf("result = %d, want %d", result, *c.Result))
		}
	} else {
		switch {
		case err == nil:
			o.Failures = append(o.Failures, fmt.Sprintf("want %s error, got result %d", c.ErrorKind, result))
		case o.Kind != c.ErrorKind:
			o.Failures = append(o.Failures, fmt.Sprintf("error kind = %s, want %s (%s)", o.Kind, c.ErrorKind, o.Error))
		case c.Error != "" && !strings.Contains(o.Error, c.Error):
			o.Failures = append(o.Failures, fmt.Sprintf("error = %q, want it to contain %q", o.Error, c.Error))
		}
	}
	if c.Output != nil && o.Output != *c.Output {
		o.Failures = append(o.Failures, fmt.Sprintf("output = %q, want %q", o.Output, *c.Output))
	}
	o.Pass = len(o.Failures) == 0
	return o
}

func execute(ctx context.Context, c Case, cfg vm.Config, dir string) (int32, vm.Stats, error) {
	opts := compiler.Options{Registers: cfg.Registers}

	var prog *compiler.Program
	var err error
	if c.File != "" {
		prog, err = compiler.LoadFile(resolve(dir, c.File), opts)
	} else {
		prog, err = compiler.CompileWith(c.Source, opts)
	}
	if err != nil {
		return 0, vm.Stats{}, err
	}

	interp := vm.New(cfg)
	result, err := interp.Run(ctx, prog.Table)
	return result, interp.Stats(), err
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) || dir == "" {
		return path
	}
	return filepath.Join(dir, path)
}

// Passed counts passing outcomes.
func Passed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Pass {
			n++
		}
	}
	return n
}
