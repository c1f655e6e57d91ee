// ilvm CLI - the main entry point for running IL programs
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/manifest"
	"github.com/chazu/ilvm/server"
	"github.com/chazu/ilvm/vm"
)

var log = commonlog.GetLogger("ilvm.cli")

func main() {
	// Subcommands come first; everything else is the run driver.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "fmt":
			handleFmtCommand(os.Args[2:])
			return
		case "build":
			handleBuildCommand(os.Args[2:])
			return
		case "check":
			handleCheckCommand(os.Args[2:])
			return
		case "test":
			handleTestCommand(os.Args[2:])
			return
		case "init":
			handleInitCommand(os.Args[2:])
			return
		}
	}

	verbose := flag.Bool("v", false, "Verbose output")
	heapSize := flag.Int("heap", vm.DefaultHeapSize, "Heap size in words")
	registers := flag.Int("regs", vm.DefaultRegisters, "Number of registers")
	maxSteps := flag.Int64("max-steps", 0, "Fault after this many instructions (0 = unlimited)")
	trace := flag.Bool("trace", false, "Log every executed instruction")
	stats := flag.Bool("stats", false, "Print execution statistics after the run")
	serveMode := flag.Bool("serve", false, "Start the execution server (gRPC + Connect HTTP/JSON)")
	addr := flag.String("addr", manifest.DefaultAddr, "Execution server address (used with -serve)")
	lspMode := flag.Bool("lsp", false, "Start the language server on stdio")
	remote := flag.String("remote", "", "Run the program on the execution server at host:port")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ilvm [options] <file.il|file.ilc>\n")
		fmt.Fprintf(os.Stderr, "       ilvm <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an IL program on the register machine.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  fmt [--check] <paths...>   Format .il files\n")
		fmt.Fprintf(os.Stderr, "  build [-o out.ilc] <file>   Compile a program to an image\n")
		fmt.Fprintf(os.Stderr, "  check <files...>            Report diagnostics without running\n")
		fmt.Fprintf(os.Stderr, "  test <suite.yaml...>        Run program suites\n")
		fmt.Fprintf(os.Stderr, "  init [name]                 Create ilvm.toml in the current directory\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ilvm examples/factorial.il\n")
		fmt.Fprintf(os.Stderr, "  ilvm -heap 64 -max-steps 100000 prog.il\n")
		fmt.Fprintf(os.Stderr, "  ilvm -serve -addr :4580\n")
		fmt.Fprintf(os.Stderr, "  ilvm -remote localhost:4580 prog.il\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	if *trace {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	path := flag.Arg(0)

	// Manifest next to the program (or in the working directory), then
	// environment, then explicitly set flags.
	m, err := loadManifest(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "heap":
			m.Machine.HeapSize = *heapSize
		case "regs":
			m.Machine.Registers = *registers
		case "max-steps":
			m.Machine.MaxSteps = *maxSteps
		case "trace":
			m.Machine.Trace = *trace
		case "addr":
			m.Server.Addr = *addr
		}
	})
	if err := m.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *lspMode {
		if err := server.NewLSP(m.Machine.Registers).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "LSP error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *serveMode {
		if err := serve(m); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if path == "" {
		path = m.EntryPath()
	}
	if path == "" {
		fmt.Println("An error occurred.")
		fmt.Println("Missing command-line argument.\nUsage: ilvm filename")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var code int
	if *remote != "" {
		code = runRemote(ctx, os.Stdout, *remote, path, m.VMConfig(), *stats)
	} else {
		code = runFile(ctx, os.Stdout, path, m.VMConfig(), *stats)
	}
	os.Exit(code)
}

// loadManifest finds ilvm.toml starting from the program's directory and
// applies environment overrides. Without a manifest the defaults are used.
func loadManifest(path string) (*manifest.Manifest, error) {
	start := "."
	if path != "" {
		start = filepath.Dir(path)
	}
	m, err := manifest.FindAndLoad(start)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	} else {
		log.Infof("using %s", filepath.Join(m.Dir, manifest.FileName))
	}
	if err := m.ApplyEnv(); err != nil {
		return nil, err
	}
	return m, nil
}

// runFile runs the program at path and reports the outcome on w. Returns
// the process exit code.
func runFile(ctx context.Context, w io.Writer, path string, cfg vm.Config, stats bool) int {
	prog, err := compiler.LoadFile(path, compiler.Options{Registers: cfg.Registers})
	if err != nil {
		return report(w, 0, err)
	}
	for _, warning := range prog.Warnings {
		log.Warningf("%s: %s", path, warning)
	}

	cfg.Output = w
	interp := vm.New(cfg)
	result, err := interp.Run(ctx, prog.Table)
	if stats {
		defer printStats(w, interp.Stats())
	}
	return report(w, result, err)
}

// runRemote sends the program at path to an execution server.
func runRemote(ctx context.Context, w io.Writer, target, path string, cfg vm.Config, stats bool) int {
	src, err := os.ReadFile(path)
	if err != nil {
		return report(w, 0, &vm.Error{Kind: vm.KindIO, Msg: err.Error(), Err: err})
	}
	client, err := server.Dial(target)
	if err != nil {
		return report(w, 0, err)
	}
	defer client.Close()

	resp, err := client.Run(ctx, server.RunRequest{
		Source:    string(src),
		HeapSize:  cfg.HeapSize,
		Registers: cfg.Registers,
		MaxSteps:  cfg.MaxSteps,
	})
	if err != nil {
		return report(w, 0, err)
	}
	log.Infof("remote run %s finished in %dms", resp.RunID, resp.ElapsedMS)

	io.WriteString(w, resp.Output)
	if stats {
		defer printStats(w, resp.Stats)
	}
	if !resp.OK {
		return report(w, 0, errors.New(resp.Error))
	}
	return report(w, resp.Result, nil)
}

// report prints the driver's outcome line(s) and returns the exit code.
func report(w io.Writer, result int32, err error) int {
	if err != nil {
		fmt.Fprintf(w, "An error occurred.\n%v\n", err)
		return 1
	}
	fmt.Fprintf(w, "Normal termination. Result = %d\n", result)
	return 0
}

func printStats(w io.Writer, s vm.Stats) {
	fmt.Fprintf(w, "steps=%d jumps=%d branches=%d mallocs=%d frees=%d peak-live=%d\n",
		s.Steps, s.Jumps, s.Branches, s.Mallocs, s.Frees, s.PeakLive)
}

// serve runs the execution server until interrupted.
func serve(m *manifest.Manifest) error {
	srv := server.New(server.ConfigFromManifest(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(m.Server.Addr) }()

	select {
	case err := <-errc:
		srv.Stop()
		return err
	case <-ctx.Done():
	}

	log.Notice("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
