package rasterize

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrEngineUnavailable means the engine cannot run on this host (missing
// binary, unloadable library). Retrying the same page will not help.
var ErrEngineUnavailable = errors.New("rasterize: engine unavailable")

// maxDiagnostic bounds how much engine output a Failure carries.
const maxDiagnostic = 2048

// Failure is a page-scoped rasterization error. Output holds whatever the
// engine printed, for operator triage.
type Failure struct {
	Page   int
	Engine string
	Output string
	Err    error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("rasterize page %d with %s: %v", f.Page, f.Engine, f.Err)
	if f.Output != "" {
		msg += ": " + f.Output
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsFailure reports whether err is a page-scoped rasterization failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

func newFailure(page int, engine string, err error) *Failure {
	f := &Failure{Page: page, Engine: engine, Err: err}
	var ce *CommandError
	if errors.As(err, &ce) {
		f.Output = trimDiagnostic(ce.Output)
	}
	return f
}

// CommandError is a subprocess exit carrying its captured output.
type CommandError struct {
	Name   string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func trimDiagnostic(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDiagnostic {
		return s
	}
	cut := maxDiagnostic
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
