package script

import (
	"errors"
	"fmt"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/otaupdater/pkg/ops"
	"github.com/openfroyo/otaupdater/pkg/telemetry"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

// ResultGlobal is the global variable holding the script's result text.
const ResultGlobal = "result"

// Starlark evaluates update scripts written in Starlark.
type Starlark struct {
	table    *ops.Table
	filename string
	logger   *telemetry.Logger
}

// StarlarkOption configures a Starlark engine.
type StarlarkOption func(*Starlark)

// WithFilename sets the filename used in error positions.
func WithFilename(name string) StarlarkOption {
	return func(s *Starlark) {
		s.filename = name
	}
}

// WithLogger routes the script's print() output to logger.
func WithLogger(logger *telemetry.Logger) StarlarkOption {
	return func(s *Starlark) {
		s.logger = logger
	}
}

// NewStarlark creates an engine whose scripts may call the operations in table.
func NewStarlark(table *ops.Table, opts ...StarlarkOption) *Starlark {
	s := &Starlark{
		table:    table,
		filename: "updater-script",
		logger:   telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type starlarkProgram struct {
	name string
	prog *starlark.Program
}

func (p *starlarkProgram) Name() string {
	return p.name
}

func (s *Starlark) isPredeclared(name string) bool {
	return name == "struct" || s.table.Has(name)
}

func (s *Starlark) predeclared() starlark.StringDict {
	predeclared := s.table.Builtins()
	predeclared["struct"] = starlark.NewBuiltin("struct", starlarkstruct.Make)
	return predeclared
}

// Parse compiles the script. The error count is the number of resolve
// errors, or 1 for a syntax error; other failures return a zero count and
// a non-nil error.
func (s *Starlark) Parse(text string) (Program, int, error) {
	_, prog, err := starlark.SourceProgram(s.filename, text, s.isPredeclared)
	if err != nil {
		var list resolve.ErrorList
		if errors.As(err, &list) {
			return nil, len(list), err
		}
		var syntaxErr syntax.Error
		if errors.As(err, &syntaxErr) {
			return nil, 1, err
		}
		return nil, 0, fmt.Errorf("failed to compile %s: %w", s.filename, err)
	}
	return &starlarkProgram{name: s.filename, prog: prog}, 0, nil
}

// Evaluate runs the program once. There is no timeout: operations may block
// for as long as their device I/O takes.
func (s *Starlark) Evaluate(p Program, st *updater.State) (bool, string) {
	sp, ok := p.(*starlarkProgram)
	if !ok || sp == nil {
		st.ErrMsg = fmt.Sprintf("cannot evaluate program of type %T", p)
		return false, ""
	}

	thread := &starlark.Thread{
		Name: "updater",
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Info(msg)
		},
	}
	BindState(thread, st)

	globals, err := sp.prog.Init(thread, s.predeclared())
	if err != nil {
		if st.ErrMsg == "" {
			st.ErrMsg = errorMessage(err)
		}
		return false, ""
	}

	st.Result = resultText(globals)
	return true, st.Result
}

func errorMessage(err error) string {
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		return abortErr.Message
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Msg
	}
	return err.Error()
}

func resultText(globals starlark.StringDict) string {
	v, ok := globals[ResultGlobal]
	if !ok || v == starlark.None {
		return ""
	}
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
