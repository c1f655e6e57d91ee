// Package manifest handles ilvm.toml project configuration.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gitlab.com/efronlicht/enve"

	"github.com/chazu/ilvm/vm"
)

// FileName is the manifest file looked up in a project directory.
const FileName = "ilvm.toml"

// Server defaults.
const (
	DefaultAddr       = ":4580"
	DefaultRunTimeout = 10 * time.Second
	DefaultRetainRuns = 5 * time.Minute
	DefaultWorkers    = 4
)

// Manifest represents an ilvm.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Machine Machine `toml:"machine"`
	Server  Server  `toml:"server"`

	// Dir is the directory containing the ilvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name  string `toml:"name"`
	Entry string `toml:"entry"` // program run when no file is given
}

// Machine sizes the register machine.
type Machine struct {
	HeapSize  int   `toml:"heap-size"`
	Registers int   `toml:"registers"`
	MaxSteps  int64 `toml:"max-steps"`
	Trace     bool  `toml:"trace"`
}

// Server configures `ilvm -serve`.
type Server struct {
	Addr       string        `toml:"addr"`
	Workers    int           `toml:"workers"`
	RunTimeout time.Duration `toml:"run-timeout"`
	RetainRuns time.Duration `toml:"retain-runs"` // how long finished runs stay queryable
}

// Default returns the configuration used when no manifest exists.
func Default() *Manifest {
	return &Manifest{
		Machine: Machine{
			HeapSize:  vm.DefaultHeapSize,
			Registers: vm.DefaultRegisters,
		},
		Server: Server{
			Addr:       DefaultAddr,
			Workers:    DefaultWorkers,
			RunTimeout: DefaultRunTimeout,
			RetainRuns: DefaultRetainRuns,
		},
	}
}

// Load parses an ilvm.toml file from the given directory. Keys the file
// leaves out keep their defaults; unknown keys are an error.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find an ilvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Environment variables read by ApplyEnv.
const (
	EnvHeapSize   = "ILVM_HEAP_SIZE"
	EnvRegisters  = "ILVM_REGISTERS"
	EnvMaxSteps   = "ILVM_MAX_STEPS"
	EnvAddr       = "ILVM_ADDR"
	EnvWorkers    = "ILVM_WORKERS"
	EnvRunTimeout = "ILVM_RUN_TIMEOUT"
)

// ApplyEnv overrides manifest values with any ILVM_* variables that are
// set. A variable that is set but does not parse is an error.
func (m *Manifest) ApplyEnv() error {
	var errs []error
	// An unset variable keeps the manifest value.
	override := func(err error, key string) {
		if _, set := os.LookupEnv(key); set && err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	if v, err := enve.Lookup(strconv.Atoi, EnvHeapSize); err == nil {
		m.Machine.HeapSize = v
	} else {
		override(err, EnvHeapSize)
	}
	if v, err := enve.Lookup(strconv.Atoi, EnvRegisters); err == nil {
		m.Machine.Registers = v
	} else {
		override(err, EnvRegisters)
	}
	if v, err := enve.Lookup(parseInt64, EnvMaxSteps); err == nil {
		m.Machine.MaxSteps = v
	} else {
		override(err, EnvMaxSteps)
	}
	if v, err := enve.Lookup(notEmpty, EnvAddr); err == nil {
		m.Server.Addr = v
	} else {
		override(err, EnvAddr)
	}
	if v, err := enve.Lookup(strconv.Atoi, EnvWorkers); err == nil {
		m.Server.Workers = v
	} else {
		override(err, EnvWorkers)
	}
	if v, err := enve.Lookup(time.ParseDuration, EnvRunTimeout); err == nil {
		m.Server.RunTimeout = v
	} else {
		override(err, EnvRunTimeout)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return m.Validate()
}

func parseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func notEmpty(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty value")
	}
	return s, nil
}

// Validate checks value ranges.
func (m *Manifest) Validate() error {
	switch {
	case m.Machine.HeapSize < 1 || m.Machine.HeapSize > math.MaxInt32:
		return fmt.Errorf("machine.heap-size must be between 1 and %d, got %d", math.MaxInt32, m.Machine.HeapSize)
	case m.Machine.Registers < 1:
		return fmt.Errorf("machine.registers must be positive, got %d", m.Machine.Registers)
	case m.Machine.MaxSteps < 0:
		return fmt.Errorf("machine.max-steps must not be negative, got %d", m.Machine.MaxSteps)
	case m.Server.Workers < 1:
		return fmt.Errorf("server.workers must be positive, got %d", m.Server.Workers)
	case m.Server.RunTimeout < 0:
		return fmt.Errorf("server.run-timeout must not be negative, got %s", m.Server.RunTimeout)
	case m.Server.RetainRuns < 0:
		return fmt.Errorf("server.retain-runs must not be negative, got %s", m.Server.RetainRuns)
	}
	return nil
}

// VMConfig returns the machine section as an interpreter configuration.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		HeapSize:  m.Machine.HeapSize,
		Registers: m.Machine.Registers,
		MaxSteps:  m.Machine.MaxSteps,
		Trace:     m.Machine.Trace,
	}
}

// EntryPath returns the absolute path of the project entry program, or ""
// if none is configured.
func (m *Manifest) EntryPath() string {
	if m.Project.Entry == "" {
		return ""
	}
	if filepath.IsAbs(m.Project.Entry) {
		return m.Project.Entry
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}

// Encode writes the manifest as TOML.
func (m *Manifest) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(m)
}

// Save writes the manifest to ilvm.toml in dir, refusing to overwrite an
// existing file.
func (m *Manifest) Save(dir string) error {
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	if err := m.Encode(f); err != nil {
		f.Close()
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return f.Close()
}
