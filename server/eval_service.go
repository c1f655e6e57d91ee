package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/image"
	"github.com/chazu/ilvm/syntax"
	"github.com/chazu/ilvm/vm"
)

// DefaultOutputLimit caps the print output retained per run.
const DefaultOutputLimit = 1 << 20

// ExecutionService implements the ExecutionService Connect/gRPC handlers.
type ExecutionService struct {
	worker      *VMWorker
	runs        *RunStore
	machine     vm.Config
	timeout     time.Duration
	outputLimit int
}

// NewExecutionService creates an ExecutionService. machine supplies the
// sizes used when a request leaves them out; timeout bounds each run
// (0 means no bound).
func NewExecutionService(worker *VMWorker, runs *RunStore, machine vm.Config, timeout time.Duration) *ExecutionService {
	return &ExecutionService{
		worker:      worker,
		runs:        runs,
		machine:     machine,
		timeout:     timeout,
		outputLimit: DefaultOutputLimit,
	}
}

// Run compiles and executes a program. Program failures (parse, usage and
// runtime faults) are reported in the response, not as RPC errors.
func (s *ExecutionService) Run(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	in, err := runRequestFrom(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if in.Source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}

	cfg, err := s.machineFor(in)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	result, err := s.worker.Do(ctx, func(ctx context.Context) interface{} {
		return s.execute(ctx, in.Source, cfg)
	})
	if err != nil {
		return nil, workerError(err)
	}

	rec := result.(RunRecord)
	rec.ID = s.runs.Create(rec)
	if rec.OK {
		log.Infof("run %s: program %.12s: result %d in %d steps", rec.ID, rec.Digest, rec.Result, rec.Stats.Steps)
	} else {
		log.Infof("run %s: %s error: %s", rec.ID, rec.Kind, rec.Error)
	}
	return respond(recordResponse(rec).toStruct())
}

// GetRun returns a retained run by ID.
func (s *ExecutionService) GetRun(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id := stringField(req.Msg, "run_id")
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("run_id is required"))
	}
	rec, ok := s.runs.Lookup(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("run %q not found", id))
	}
	return respond(recordResponse(rec).toStruct())
}

// Check parses and validates source without executing it.
func (s *ExecutionService) Check(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source := stringField(req.Msg, "source")
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	_, diags := compiler.Analyze(source, compiler.Options{Registers: s.machine.Registers})

	resp := &CheckResponse{OK: true, Diagnostics: diags}
	for _, d := range diags {
		if d.Severity == compiler.SeverityError {
			resp.OK = false
		}
	}
	return respond(resp.toStruct())
}

// Format returns source in canonical layout.
func (s *ExecutionService) Format(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source := stringField(req.Msg, "source")
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	blocks, errs := compiler.Parse(source)
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, d := range errs {
			msgs[i] = d.String()
		}
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New(strings.Join(msgs, "\n")))
	}
	return respond(structpb.NewStruct(map[string]interface{}{
		"formatted": syntax.FormatString(blocks),
	}))
}

// machineFor sizes the machine for a request. The server's machine is the
// ceiling: a request may shrink the heap or register file, and may only
// tighten a configured step limit.
func (s *ExecutionService) machineFor(in RunRequest) (vm.Config, error) {
	cfg := s.machine
	if in.HeapSize > 0 {
		if in.HeapSize > s.machine.HeapSize {
			return cfg, fmt.Errorf("heap_size %d exceeds the server limit of %d", in.HeapSize, s.machine.HeapSize)
		}
		cfg.HeapSize = in.HeapSize
	}
	if in.Registers > 0 {
		if in.Registers > s.machine.Registers {
			return cfg, fmt.Errorf("registers %d exceeds the server limit of %d", in.Registers, s.machine.Registers)
		}
		cfg.Registers = in.Registers
	}
	if in.MaxSteps > 0 && (cfg.MaxSteps == 0 || in.MaxSteps < cfg.MaxSteps) {
		cfg.MaxSteps = in.MaxSteps
	}
	return cfg, nil
}

// execute compiles and runs source. Must be called on a worker goroutine.
func (s *ExecutionService) execute(ctx context.Context, source string, cfg vm.Config) RunRecord {
	start := time.Now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	prog, err := compiler.CompileWith(source, compiler.Options{Registers: cfg.Registers})
	if err != nil {
		return RunRecord{Kind: vm.KindOf(err), Error: err.Error(), Elapsed: time.Since(start)}
	}
	digest, err := image.DigestOf(prog.Blocks)
	if err != nil {
		return RunRecord{Kind: vm.KindIO, Error: err.Error(), Elapsed: time.Since(start)}
	}

	out := &cappedBuffer{limit: s.outputLimit}
	cfg.Output = out
	interp := vm.New(cfg)
	result, err := interp.Run(ctx, prog.Table)

	rec := RunRecord{
		Digest:  digest.String(),
		OK:      err == nil,
		Result:  result,
		Output:  out.String(),
		Stats:   interp.Stats(),
		Elapsed: time.Since(start),
	}
	if err != nil {
		rec.Result = 0
		rec.Kind = vm.KindOf(err)
		rec.Error = err.Error()
	}
	return rec
}

func respond(msg *structpb.Struct, err error) (*connect.Response[structpb.Struct], error) {
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// workerError maps a VMWorker failure to an RPC error.
func workerError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, ErrStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// errOutputLimit is returned once a run's output exceeds its cap.
var errOutputLimit = errors.New("output limit exceeded")

// cappedBuffer collects print output up to limit bytes.
type cappedBuffer struct {
	strings.Builder
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 && b.Len()+len(p) > b.limit {
		return 0, errOutputLimit
	}
	return b.Builder.Write(p)
}
