package command

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
)

var verificationTimeout = 5 * time.Minute

// ScriptVerifier runs an external browser-automation script against the
// booted device's web UI. The script receives the device IP as its only
// argument; exit 0 means the image passed.
type ScriptVerifier struct {
	script string
	runner Runner
}

func NewScriptVerifier(script string, runner Runner) *ScriptVerifier {
	return &ScriptVerifier{
		script: script,
		runner: runner,
	}
}

func (v *ScriptVerifier) RunVerification(ip string) bool {
	result, err := v.runner.Run(verificationTimeout, v.script, ip)
	if err != nil {
		logger.Error(errors.Wrap(err, "run verification script"))
		return false
	}
	if result.ExitCode != 0 {
		logger.Info("verification script failed",
			zap.Int("exitCode", result.ExitCode),
			zap.String("output", result.Output))
		return false
	}
	return true
}
