package hardware

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/LucPettett/what-do-i-become/internal/domain"
)

// Verifier decides whether a report counts as verification evidence for a request.
type Verifier interface {
	Verify(req domain.HardwareRequest, report EvidenceReport) (bool, error)
}

// ReportVerifier trusts the detector's own verified flag.
type ReportVerifier struct{}

func (ReportVerifier) Verify(_ domain.HardwareRequest, report EvidenceReport) (bool, error) {
	return report.Verified, nil
}

// CELVerifier evaluates the request's verify_expr over the evidence, e.g.
//
//	input.detected && input.signals.frames > 10
//
// Requests without an expression fall back to the report's verified flag.
type CELVerifier struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewCELVerifier() (*CELVerifier, error) {
	env, err := newVerifyEnv()
	if err != nil {
		return nil, err
	}
	return &CELVerifier{env: env, cache: map[string]cel.Program{}}, nil
}

func newVerifyEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return env, nil
}

var (
	checkEnvOnce sync.Once
	checkEnv     *cel.Env
	checkEnvErr  error
)

// CheckVerifyExpr reports whether expr compiles to a boolean predicate.
func CheckVerifyExpr(expr string) error {
	checkEnvOnce.Do(func() { checkEnv, checkEnvErr = newVerifyEnv() })
	if checkEnvErr != nil {
		return checkEnvErr
	}
	ast, issues := checkEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile verify_expr: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return fmt.Errorf("verify_expr yields %s, want bool", out)
	}
	return nil
}

func (v *CELVerifier) Verify(req domain.HardwareRequest, report EvidenceReport) (bool, error) {
	if req.VerifyExpr == "" {
		return report.Verified, nil
	}
	prg, err := v.program(req.VerifyExpr)
	if err != nil {
		return false, err
	}
	signals := report.Signals
	if signals == nil {
		signals = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"input": map[string]any{
			"detected":  report.Detected,
			"verified":  report.Verified,
			"failed":    report.Failed,
			"signals":   signals,
			"attempts":  req.Attempts,
			"part_name": req.PartName,
		},
	})
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", req.ID, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("verify %s: expression result is not boolean", req.ID)
	}
	return ok, nil
}

func (v *CELVerifier) program(expr string) (cel.Program, error) {
	v.mu.RLock()
	prg, hit := v.cache[expr]
	v.mu.RUnlock()
	if hit {
		return prg, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if prg, hit = v.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile verify_expr: %w", issues.Err())
	}
	prg, err := v.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program verify_expr: %w", err)
	}
	v.cache[expr] = prg
	return prg, nil
}
