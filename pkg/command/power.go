package command

import (
	"time"

	"github.com/pkg/errors"
)

const powerToggleTimeout = 30 * time.Second

// PowerControl toggles the board's power feed.
type PowerControl interface {
	PowerOn() error
	PowerOff() error
}

var _ PowerControl = new(ShellPowerControl)

// ShellPowerControl drives an external `power-toggle <on|off>` executable;
// exit code 0 is success.
type ShellPowerControl struct {
	Command string
	Runner  Runner
}

func NewShellPowerControl(cmd string, runner Runner) *ShellPowerControl {
	return &ShellPowerControl{Command: cmd, Runner: runner}
}

func (p *ShellPowerControl) PowerOn() error {
	return p.toggle("on")
}

func (p *ShellPowerControl) PowerOff() error {
	return p.toggle("off")
}

func (p *ShellPowerControl) toggle(state string) error {
	result, err := p.Runner.Run(powerToggleTimeout, p.Command, state)
	if err != nil {
		return errors.Wrapf(err, "power toggle %s", state)
	}
	if result.ExitCode != 0 {
		return errors.Errorf("power toggle %s exited %d: %s", state, result.ExitCode, result.Output)
	}
	return nil
}
