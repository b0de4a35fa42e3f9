package command

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	stagingTimeout = 10 * time.Minute
	tgtadmTimeout  = 30 * time.Second
)

// Stager prepares the iSCSI backing store and TFTP tree for a netboot, and
// verifies the resulting target. Staging is delegated to an external script
// so the rig's storage layout stays out of the control loop.
type Stager interface {
	Stage(imagePath, targetPath, sshPubKeyPath, iscsiServerIP, flagFilename string) error
	VerifyLUN(targetPath string) error
}

var _ Stager = new(ShellStager)

type ShellStager struct {
	Script string
	Runner Runner
}

func NewShellStager(script string, runner Runner) *ShellStager {
	return &ShellStager{Script: script, Runner: runner}
}

func (s *ShellStager) Stage(imagePath, targetPath, sshPubKeyPath, iscsiServerIP, flagFilename string) error {
	result, err := s.Runner.Run(stagingTimeout, s.Script,
		imagePath, targetPath, sshPubKeyPath, iscsiServerIP, flagFilename)
	if err != nil {
		return errors.Wrap(err, "run staging script")
	}
	if result.ExitCode != 0 {
		return errors.Errorf("staging script exited %d: %s", result.ExitCode, result.Output)
	}
	return nil
}

// VerifyLUN checks that the target daemon exposes targetPath as LUN 1 of
// type disk. LUN 0 is always the controller, so a target showing only LUN 0
// means the backing store has not materialized yet.
func (s *ShellStager) VerifyLUN(targetPath string) error {
	result, err := s.Runner.Run(tgtadmTimeout, "tgtadm",
		"--lld", "iscsi", "--mode", "target", "--op", "show")
	if err != nil {
		return errors.Wrap(err, "query iscsi target")
	}
	if result.ExitCode != 0 {
		return errors.Errorf("tgtadm exited %d: %s", result.ExitCode, result.Output)
	}
	if err := checkLUNOutput(result.Output, targetPath); err != nil {
		return err
	}
	return nil
}

// checkLUNOutput scans tgtadm show output for a LUN 1 stanza of type disk
// whose backing store matches targetPath.
func checkLUNOutput(output, targetPath string) error {
	var inLUN1 bool
	var lun1IsDisk, lun1Backed bool

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "LUN:"):
			inLUN1 = strings.TrimSpace(strings.TrimPrefix(line, "LUN:")) == "1"
		case inLUN1 && strings.HasPrefix(line, "Type:"):
			lun1IsDisk = strings.TrimSpace(strings.TrimPrefix(line, "Type:")) == "disk"
		case inLUN1 && strings.HasPrefix(line, "Backing store path:"):
			lun1Backed = strings.TrimSpace(strings.TrimPrefix(line, "Backing store path:")) == targetPath
		}
	}

	if !lun1IsDisk || !lun1Backed {
		return errors.Errorf("iscsi target does not expose %s as LUN 1 of type disk", targetPath)
	}
	return nil
}
