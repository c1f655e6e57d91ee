package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/image"
)

// handleBuildCommand processes the `ilvm build` subcommand.
// Usage:
//
//	ilvm build prog.il              # ./prog.ilc
//	ilvm build -o out.ilc prog.il   # custom output
func handleBuildCommand(args []string) {
	var outputPath, inputPath string

	// Parse flags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-o", "--output":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: -o requires an output path")
				os.Exit(1)
			}
			outputPath = args[i+1]
			i++
		default:
			inputPath = args[i]
		}
	}

	if inputPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: ilvm build [-o out.ilc] <file.il>")
		os.Exit(1)
	}
	if outputPath == "" {
		outputPath = imagePath(inputPath)
	}

	n, digest, err := buildImage(inputPath, outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d blocks, digest %s)\n", outputPath, n, digest.Short())
}

// imagePath derives the default image name for a source file.
func imagePath(src string) string {
	return strings.TrimSuffix(src, ".il") + ".ilc"
}

// buildImage compiles src and writes its image to out. Programs that fail
// to link are rejected so an image always runs. Returns the block count
// and the program digest.
func buildImage(src, out string) (int, image.Digest, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return 0, image.Digest{}, err
	}
	if image.IsImage(data) {
		return 0, image.Digest{}, fmt.Errorf("%s is already an image", src)
	}
	prog, err := compiler.Compile(string(data))
	if err != nil {
		return 0, image.Digest{}, err
	}
	digest, err := image.DigestOf(prog.Blocks)
	if err != nil {
		return 0, image.Digest{}, err
	}
	if err := image.WriteFile(out, prog.Blocks); err != nil {
		return 0, image.Digest{}, err
	}
	return len(prog.Blocks), digest, nil
}
