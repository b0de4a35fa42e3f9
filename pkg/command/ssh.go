package command

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const sshTimeout = 20 * time.Second

// DeviceSSH reaches the device-under-test over ssh. Both operations are
// best effort: the device may be half-booted, mid-shutdown or gone, so
// callers treat errors as diagnostics rather than failures.
type DeviceSSH interface {
	Shutdown(ip string) error
	FetchBootLog(ip string) (string, error)
}

var _ DeviceSSH = new(ShellSSH)

type ShellSSH struct {
	User    string
	KeyPath string
	Runner  Runner
}

func NewShellSSH(user, keyPath string, runner Runner) *ShellSSH {
	return &ShellSSH{User: user, KeyPath: keyPath, Runner: runner}
}

func (s *ShellSSH) Shutdown(ip string) error {
	result, err := s.Runner.Run(sshTimeout, "ssh", s.args(ip, "shutdown now")...)
	if err != nil {
		return errors.Wrap(err, "ssh shutdown")
	}
	// shutdown drops the connection, so a non-zero exit is normal; only a
	// refused or unreachable host is worth reporting
	if result.ExitCode == 255 {
		return errors.Errorf("ssh shutdown unreachable: %s", result.Output)
	}
	return nil
}

func (s *ShellSSH) FetchBootLog(ip string) (string, error) {
	result, err := s.Runner.Run(sshTimeout, "ssh", s.args(ip, "cat /run/adsb-feeder-image.log")...)
	if err != nil {
		return "", errors.Wrap(err, "ssh fetch boot log")
	}
	if result.ExitCode != 0 {
		return "", errors.Errorf("fetch boot log exited %d: %s", result.ExitCode, result.Output)
	}
	return result.Output, nil
}

func (s *ShellSSH) args(ip, remoteCmd string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=10",
	}
	if s.KeyPath != "" {
		args = append(args, "-i", s.KeyPath)
	}
	args = append(args, fmt.Sprintf("%s@%s", s.User, ip), remoteCmd)
	return args
}
