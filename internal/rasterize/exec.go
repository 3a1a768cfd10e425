package rasterize

import (
	"context"
	"os/exec"
	"time"
)

// CommandRunner runs external programs. Tests substitute a fake.
type CommandRunner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec, capturing combined output into a
// *CommandError on failure.
type ExecRunner struct{}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	// Engines can leave children holding the output pipe after a kill.
	cmd.WaitDelay = 5 * time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &CommandError{Name: name, Output: string(out), Err: err}
	}
	return nil
}
