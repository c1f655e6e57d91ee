package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/syntax"
)

// ---------------------------------------------------------------------------
// ilvm fmt: canonical layout for IL source
// ---------------------------------------------------------------------------

// Format parses an IL source string and returns it in canonical layout.
// Comments are not preserved.
func Format(source string) (string, error) {
	blocks, errs := compiler.Parse(source)
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, d := range errs {
			msgs[i] = d.String()
		}
		return "", fmt.Errorf("%s", strings.Join(msgs, "\n"))
	}
	return syntax.FormatString(blocks), nil
}

func handleFmtCommand(args []string) {
	checkMode := false
	var files []string

	for _, arg := range args {
		if arg == "--check" || arg == "-check" {
			checkMode = true
		} else if arg == "--help" || arg == "-h" {
			fmt.Fprintf(os.Stderr, "Usage: ilvm fmt [--check] <files or directories...>\n\n")
			fmt.Fprintf(os.Stderr, "Format IL source files to canonical layout.\n\n")
			fmt.Fprintf(os.Stderr, "Options:\n")
			fmt.Fprintf(os.Stderr, "  --check   Check formatting without modifying files.\n")
			fmt.Fprintf(os.Stderr, "            Exits with code 1 if any files need formatting.\n\n")
			fmt.Fprintf(os.Stderr, "If no files are given, formats all .il files in the current directory.\n")
			os.Exit(0)
		} else {
			files = append(files, arg)
		}
	}

	// Default: current directory
	if len(files) == 0 {
		files = []string{"."}
	}

	ilFiles, err := collectILFiles(files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(ilFiles) == 0 {
		fmt.Fprintf(os.Stderr, "No .il files found\n")
		os.Exit(0)
	}

	anyChanged := false
	for _, path := range ilFiles {
		changed, err := formatFile(path, checkMode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error formatting %s: %v\n", path, err)
			os.Exit(1)
		}
		if changed {
			anyChanged = true
		}
	}

	if checkMode && anyChanged {
		os.Exit(1)
	}
}

// formatFile formats a single .il file.
// In check mode, returns true if the file would be changed.
// Otherwise, rewrites the file in place and returns true if it changed.
func formatFile(path string, checkMode bool) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	original := string(content)
	formatted, err := Format(original)
	if err != nil {
		return false, fmt.Errorf("parse error: %w", err)
	}

	if original == formatted {
		return false, nil
	}

	if checkMode {
		fmt.Printf("would format: %s\n", path)
		return true, nil
	}

	if err := os.WriteFile(path, []byte(formatted), 0644); err != nil {
		return false, err
	}

	fmt.Printf("formatted: %s\n", path)
	return true, nil
}

// collectILFiles resolves paths to a flat list of .il file paths.
func collectILFiles(paths []string) ([]string, error) {
	var result []string

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %w", p, err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("cannot access %q: %w", abs, err)
		}

		if info.IsDir() {
			err := filepath.Walk(abs, func(path string, fi os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !fi.IsDir() && strings.HasSuffix(path, ".il") {
					result = append(result, path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		} else if strings.HasSuffix(abs, ".il") {
			result = append(result, abs)
		} else {
			return nil, fmt.Errorf("%q is not a .il file", abs)
		}
	}

	return result, nil
}
