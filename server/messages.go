package server

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/ilvm/compiler"
	"github.com/chazu/ilvm/syntax"
	"github.com/chazu/ilvm/vm"
)

// Procedure paths of the execution service. Messages are
// google.protobuf.Struct values, so any gRPC or Connect client can call
// them without generated stubs.
const (
	ServiceName = "ilvm.v1.ExecutionService"

	RunProcedure    = "/" + ServiceName + "/Run"
	CheckProcedure  = "/" + ServiceName + "/Check"
	FormatProcedure = "/" + ServiceName + "/Format"
	GetRunProcedure = "/" + ServiceName + "/GetRun"
)

// RunRequest asks the server to compile and run a program. Zero sizes
// select the server's configured machine.
type RunRequest struct {
	Source    string
	HeapSize  int
	Registers int
	MaxSteps  int64
}

// RunResponse reports a finished run.
type RunResponse struct {
	RunID     string
	Digest    string // program content hash
	OK        bool
	Result    int32
	Kind      string // error kind; empty on success
	Error     string
	Output    string
	Stats     vm.Stats
	ElapsedMS int64
}

// CheckResponse lists diagnostics for a source text.
type CheckResponse struct {
	OK          bool
	Diagnostics []compiler.Diagnostic
}

func (r RunRequest) toStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{"source": r.Source}
	if r.HeapSize != 0 {
		fields["heap_size"] = r.HeapSize
	}
	if r.Registers != 0 {
		fields["registers"] = r.Registers
	}
	if r.MaxSteps != 0 {
		fields["max_steps"] = r.MaxSteps
	}
	return structpb.NewStruct(fields)
}

func runRequestFrom(s *structpb.Struct) (RunRequest, error) {
	r := RunRequest{Source: stringField(s, "source")}
	heap, err := intField(s, "heap_size", math.MaxInt32)
	if err != nil {
		return r, err
	}
	regs, err := intField(s, "registers", math.MaxInt32)
	if err != nil {
		return r, err
	}
	steps, err := intField(s, "max_steps", 1<<53)
	if err != nil {
		return r, err
	}
	r.HeapSize, r.Registers, r.MaxSteps = int(heap), int(regs), steps
	return r, nil
}

func (r *RunResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"run_id":     r.RunID,
		"digest":     r.Digest,
		"ok":         r.OK,
		"result":     r.Result,
		"kind":       r.Kind,
		"error":      r.Error,
		"output":     r.Output,
		"steps":      r.Stats.Steps,
		"jumps":      r.Stats.Jumps,
		"branches":   r.Stats.Branches,
		"mallocs":    r.Stats.Mallocs,
		"frees":      r.Stats.Frees,
		"peak_live":  r.Stats.PeakLive,
		"elapsed_ms": r.ElapsedMS,
	})
}

func runResponseFrom(s *structpb.Struct) *RunResponse {
	num := func(name string) float64 { return s.GetFields()[name].GetNumberValue() }
	return &RunResponse{
		RunID:  stringField(s, "run_id"),
		Digest: stringField(s, "digest"),
		OK:     s.GetFields()["ok"].GetBoolValue(),
		Result: int32(num("result")),
		Kind:   stringField(s, "kind"),
		Error:  stringField(s, "error"),
		Output: stringField(s, "output"),
		Stats: vm.Stats{
			Steps:    int64(num("steps")),
			Jumps:    int64(num("jumps")),
			Branches: int64(num("branches")),
			Mallocs:  int64(num("mallocs")),
			Frees:    int64(num("frees")),
			PeakLive: int32(num("peak_live")),
		},
		ElapsedMS: int64(num("elapsed_ms")),
	}
}

func recordResponse(rec RunRecord) *RunResponse {
	resp := &RunResponse{
		RunID:     rec.ID,
		Digest:    rec.Digest,
		OK:        rec.OK,
		Result:    rec.Result,
		Error:     rec.Error,
		Output:    rec.Output,
		Stats:     rec.Stats,
		ElapsedMS: rec.Elapsed.Milliseconds(),
	}
	if !rec.OK {
		resp.Kind = rec.Kind.String()
	}
	return resp
}

func (r *CheckResponse) toStruct() (*structpb.Struct, error) {
	diags := make([]interface{}, 0, len(r.Diagnostics))
	for _, d := range r.Diagnostics {
		diags = append(diags, map[string]interface{}{
			"line":     d.Pos.Line,
			"column":   d.Pos.Column,
			"severity": d.Severity.String(),
			"message":  d.Message,
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"ok":          r.OK,
		"diagnostics": diags,
	})
}

func checkResponseFrom(s *structpb.Struct) *CheckResponse {
	resp := &CheckResponse{OK: s.GetFields()["ok"].GetBoolValue()}
	for _, v := range s.GetFields()["diagnostics"].GetListValue().GetValues() {
		d := v.GetStructValue()
		sev := compiler.SeverityError
		if stringField(d, "severity") == compiler.SeverityWarning.String() {
			sev = compiler.SeverityWarning
		}
		resp.Diagnostics = append(resp.Diagnostics, compiler.Diagnostic{
			Pos: syntax.Position{
				Line:   int(d.GetFields()["line"].GetNumberValue()),
				Column: int(d.GetFields()["column"].GetNumberValue()),
			},
			Severity: sev,
			Message:  stringField(d, "message"),
		})
	}
	return resp
}

// stringField returns a string field, or "" when absent.
func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

// intField returns a non-negative integral number field no larger than
// limit, or 0 when absent.
func intField(s *structpb.Struct, name string, limit float64) (int64, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f < 0 || f > limit {
		return 0, fmt.Errorf("%s must be an integer between 0 and %.0f, got %v", name, limit, f)
	}
	return int64(f), nil
}
