package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/manifest"
	"github.com/chazu/ilvm/suite"
)

// handleCheckCommand processes `ilvm check <files...>`: parse and check
// each file and print its diagnostics. Exits 1 if any file has errors.
func handleCheckCommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: ilvm check <files...>")
		os.Exit(1)
	}
	m, err := loadManifest(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	failed := false
	for _, path := range args {
		ok, err := checkFile(os.Stdout, path, m.Machine.Registers)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// checkFile prints path's diagnostics to w and reports whether it is free
// of errors.
func checkFile(w io.Writer, path string, registers int) (bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	_, diags := compiler.Analyze(string(src), compiler.Options{Registers: registers})
	ok := true
	for _, d := range diags {
		if d.Severity == compiler.SeverityError {
			ok = false
		}
		if d.Pos.IsValid() {
			fmt.Fprintf(w, "%s:%d:%d: %s: %s\n", path, d.Pos.Line, d.Pos.Column, d.Severity, d.Message)
		} else {
			fmt.Fprintf(w, "%s: %s: %s\n", path, d.Severity, d.Message)
		}
	}
	return ok, nil
}

// handleTestCommand processes `ilvm test <suite.yaml...>`.
func handleTestCommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: ilvm test <suite.yaml...>")
		os.Exit(1)
	}
	m, err := loadManifest(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	for _, path := range args {
		n, err := runSuite(context.Background(), os.Stdout, path, m)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		failed += n
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// runSuite runs one suite file, printing an outcome per case and a
// summary line. Returns the number of failed cases.
func runSuite(ctx context.Context, w io.Writer, path string, m *manifest.Manifest) (int, error) {
	s, err := suite.Load(path)
	if err != nil {
		return 0, err
	}
	outcomes := s.Run(ctx, m.VMConfig())
	for _, o := range outcomes {
		fmt.Fprintln(w, o)
	}
	passed := suite.Passed(outcomes)
	fmt.Fprintf(w, "%s: %d/%d passed\n", path, passed, len(outcomes))
	return len(outcomes) - passed, nil
}

// handleInitCommand processes `ilvm init [name]`: write a default
// ilvm.toml into the current directory.
func handleInitCommand(args []string) {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	name := filepath.Base(dir)
	if len(args) > 0 {
		name = args[0]
	}
	if err := initProject(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created %s\n", manifest.FileName)
}

func initProject(dir, name string) error {
	m := manifest.Default()
	m.Project.Name = name
	m.Project.Entry = "main.il"
	return m.Save(dir)
}
