package command

import (
	"context"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// Result captures a finished external invocation. A non-zero exit is not an
// error at this layer; collaborators decide what an exit code means.
type Result struct {
	ExitCode int
	Output   string
}

// Runner executes an external command with a hard per-call timeout. Every
// collaborator in this package goes through a Runner so that the control
// logic above never touches raw process plumbing and tests can substitute
// a fake.
type Runner interface {
	Run(timeout time.Duration, name string, args ...string) (Result, error)
}

var _ Runner = new(ExecRunner)

// ExecRunner is the os/exec-backed Runner used outside of tests.
type ExecRunner struct {
}

func NewRunner() *ExecRunner {
	return new(ExecRunner)
}

func (r *ExecRunner) Run(timeout time.Duration, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	result := Result{Output: string(out)}

	if ctx.Err() == context.DeadlineExceeded {
		return result, errors.Errorf("%s timed out after %s", name, timeout)
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return result, errors.Wrapf(err, "run %s", name)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}
