package runner

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/backend"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/monitor"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

// WrongImageError indicates the device is up and serving a page, but for a
// different image than the one under test.
type WrongImageError struct {
	Expected   string
	Diagnostic string
}

func (e *WrongImageError) Error() string {
	return fmt.Sprintf("device serves wrong image (expected %s): %s", e.Expected, e.Diagnostic)
}

// VerificationError indicates the external browser-driven check failed
// after a successful boot.
type VerificationError struct {
	IP string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("external verification failed against %s", e.IP)
}

// Waiter is the boot-completion monitor contract.
type Waiter interface {
	Wait(ip string) monitor.Result
}

// Orchestrator sequences one test end to end:
// prepare -> boot -> waitForNetwork -> monitor -> verification -> cleanup.
// Cleanup runs unconditionally; the first functional-stage failure becomes
// the record's terminal error. It never panics past its boundary: callers
// only observe the TestRecord.
type Orchestrator struct {
	store             store.Store
	backend           backend.Backend
	monitor           Waiter
	expectedImageName string
	runVerification   bool
}

func New(recordStore store.Store, be backend.Backend, waiter Waiter,
	expectedImageName string, runVerification bool) *Orchestrator {
	return &Orchestrator{
		store:             recordStore,
		backend:           be,
		monitor:           waiter,
		expectedImageName: expectedImageName,
		runVerification:   runVerification,
	}
}

// Run executes the test for an already-running record and drives it to a
// terminal status.
func (o *Orchestrator) Run(recordID string) {
	var failStage, failMessage string

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("orchestrator panic", zap.Any("panic", r))
			if failStage == "" {
				failStage = store.StageMonitor
				failMessage = fmt.Sprintf("internal error: %v", r)
			}
		}

		o.runCleanup(recordID)

		passed := failStage == ""
		if err := o.store.CompleteRecord(recordID, passed, failStage, failMessage); err != nil {
			logger.Error(errors.Wrap(err, "complete record"))
		}
		logger.Info("test finished",
			zap.String("record", recordID),
			zap.Bool("passed", passed),
			zap.String("errorStage", failStage))
	}()

	fail := func(stage string, err error) {
		failStage = stage
		failMessage = err.Error()
	}

	if err := o.runStage(recordID, store.StagePrepare, o.backend.Prepare); err != nil {
		fail(store.StagePrepare, err)
		return
	}

	if err := o.runStage(recordID, store.StageBoot, o.backend.Boot); err != nil {
		fail(store.StageBoot, err)
		return
	}

	var ip string
	err := o.runStage(recordID, store.StageWaitForNetwork, func() error {
		var err error
		ip, err = o.backend.WaitForNetwork()
		return err
	})
	if err != nil {
		fail(store.StageWaitForNetwork, err)
		return
	}

	if err := o.runStage(recordID, store.StageMonitor, func() error {
		return o.waitForBoot(ip)
	}); err != nil {
		fail(store.StageMonitor, err)
		return
	}

	if o.runVerification {
		if err := o.runStage(recordID, store.StageVerify, func() error {
			if !o.backend.RunExternalVerification(ip) {
				return &VerificationError{IP: ip}
			}
			return nil
		}); err != nil {
			fail(store.StageVerify, err)
			return
		}
	}
}

func (o *Orchestrator) runStage(recordID, stage string, fn func() error) error {
	if err := o.store.UpdateStage(recordID, stage, store.StageRunning); err != nil {
		logger.Error(errors.Wrapf(err, "mark stage %s running", stage))
	}

	err := fn()

	status := store.StagePassed
	if err != nil {
		status = store.StageFailed
	}
	if updateErr := o.store.UpdateStage(recordID, stage, status); updateErr != nil {
		logger.Error(errors.Wrapf(updateErr, "mark stage %s %s", stage, status))
	}
	return err
}

// waitForBoot maps the monitor outcome into the error taxonomy. An
// exhausted hang-recovery budget surfaces as a network timeout, not a hang;
// the recovery count in the details is what distinguishes it from a device
// that was simply never reachable.
func (o *Orchestrator) waitForBoot(ip string) error {
	result := o.monitor.Wait(ip)

	details := result.Diagnostic
	if result.Recoveries > 0 {
		details = fmt.Sprintf("%s (after %d hang recoveries)", details, result.Recoveries)
	}

	switch result.Outcome {
	case monitor.OutcomeSuccess:
		return nil
	case monitor.OutcomeWrongImage:
		return &WrongImageError{Expected: o.expectedImageName, Diagnostic: result.Diagnostic}
	case monitor.OutcomePingDownTimeout:
		return &backend.NetworkTimeoutError{Target: ip, Details: "ping down: " + details}
	default:
		return &backend.NetworkTimeoutError{Target: ip, Details: details}
	}
}

// runCleanup always executes; its errors never change the verdict.
func (o *Orchestrator) runCleanup(recordID string) {
	if err := o.store.UpdateStage(recordID, store.StageCleanup, store.StageRunning); err != nil {
		logger.Error(errors.Wrap(err, "mark cleanup running"))
	}

	status := store.StagePassed
	if err := o.backend.Cleanup(); err != nil {
		logger.Error(errors.Wrap(err, "cleanup"))
		status = store.StageFailed
	}
	if err := o.store.UpdateStage(recordID, store.StageCleanup, status); err != nil {
		logger.Error(errors.Wrap(err, "mark cleanup finished"))
	}
}
