package backend

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/command"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/image"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/netprobe"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/rigconfig"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/serialbuf"
)

// RebootTargetPattern marks a clean systemd shutdown on the serial console.
// Seeing it while ping is down is expected behavior before a resync, not a
// hang.
const RebootTargetPattern = "reboot.target"

// DefaultShutdownHangSignatures are serial patterns that correlate with a
// device stuck mid-shutdown on an iSCSI root. Matching one while ping is
// down (and past the grace period) means the board will not come back on
// its own.
var DefaultShutdownHangSignatures = []rigconfig.Signature{
	{Pattern: "watchdog did not stop"},
	{Pattern: `systemd-shutdown\[1\]: Syncing filesystems.*timed out`, IsRegex: true},
	{Pattern: "rejecting I/O to offline device"},
	{Pattern: `blk_update_request: I/O error, dev`, IsRegex: true},
	{Pattern: `EXT4-fs error.*previous I/O error`, IsRegex: true},
}

// DriverMissingSignature is the initramfs rescue shell banner: the booted
// kernel has no iSCSI driver for its root, so a lightweight resync cannot
// help and the image must be rebuilt from the pristine compressed copy.
var DriverMissingSignature = rigconfig.Signature{Pattern: "(initramfs)"}

const (
	lunVerifyAttempts = 5
	archiveTimeout    = 5 * time.Minute
)

var (
	lunVerifyBackoff = 2 * time.Second
	pingDownWait     = 60 * time.Second
	powerCyclePause  = 5 * time.Second
)

var _ Backend = new(NetBoot)

// NetBoot boots a physical board over iSCSI/TFTP. It owns the serial buffer
// for the test and layers hang-recovery primitives (SyncAndReboot,
// FullRebuild) on top of the generic Backend contract.
type NetBoot struct {
	cfg      Config
	serial   *serialbuf.Buffer
	power    command.PowerControl
	ssh      command.DeviceSSH
	stager   command.Stager
	resolver *image.Resolver
	runner   command.Runner
	pinger   netprobe.Pinger
	verifier Verifier

	hangSignatures []rigconfig.Signature
}

func NewNetBoot(cfg Config, serial *serialbuf.Buffer, power command.PowerControl,
	ssh command.DeviceSSH, stager command.Stager, resolver *image.Resolver,
	runner command.Runner, pinger netprobe.Pinger, verifier Verifier,
	extraSignatures []rigconfig.Signature) *NetBoot {
	return &NetBoot{
		cfg:            cfg,
		serial:         serial,
		power:          power,
		ssh:            ssh,
		stager:         stager,
		resolver:       resolver,
		runner:         runner,
		pinger:         pinger,
		verifier:       verifier,
		hangSignatures: append(append([]rigconfig.Signature{}, DefaultShutdownHangSignatures...), extraSignatures...),
	}
}

// Serial exposes the board's console buffer; nil-safe for callers, may be a
// buffer that never started.
func (b *NetBoot) Serial() *serialbuf.Buffer {
	return b.serial
}

// ShutdownHangSignatures returns the configured shutdown-hang patterns.
func (b *NetBoot) ShutdownHangSignatures() []rigconfig.Signature {
	return b.hangSignatures
}

// workingImagePath is the staged backing store the board actually boots
// from; SyncAndReboot restages from here, not from the pristine cache.
func (b *NetBoot) workingImagePath() string {
	return filepath.Join(b.cfg.StagingDir, b.cfg.Image.CanonicalName)
}

// Prepare resolves the image and stages it as the iSCSI backing store and
// TFTP boot tree, then verifies the target exposes it as LUN 1. Re-entrant:
// resolution reuses the cache.
func (b *NetBoot) Prepare() error {
	if _, err := b.resolver.Resolve(b.cfg.Image.URL); err != nil {
		return err
	}

	if err := b.stage(b.cfg.Image.Path); err != nil {
		return err
	}

	if b.serial != nil {
		b.serial.Start()
	}
	return nil
}

func (b *NetBoot) stage(sourceImage string) error {
	if err := b.stager.Stage(sourceImage, b.workingImagePath(),
		b.cfg.SSHPublicKeyPath, b.cfg.ISCSIServerIP, ""); err != nil {
		return &image.StagingError{Step: "iscsi/tftp staging", Err: err}
	}
	return b.verifyLUN()
}

// verifyLUN retries because the target daemon needs time to materialize the
// backing store after configuration.
func (b *NetBoot) verifyLUN() error {
	var lastErr error
	for attempt := 1; attempt <= lunVerifyAttempts; attempt++ {
		lastErr = b.stager.VerifyLUN(b.workingImagePath())
		if lastErr == nil {
			return nil
		}
		logger.Debug("lun verification failed, retrying",
			zap.Int("attempt", attempt), zap.Error(lastErr))
		time.Sleep(lunVerifyBackoff)
	}
	return &image.StagingError{Step: "lun verification", Err: lastErr}
}

// Boot power-cycles the board: best-effort graceful shutdown over ssh, wait
// for ping to drop, then hard power off/on.
func (b *NetBoot) Boot() error {
	if err := b.ssh.Shutdown(b.cfg.BoardIP); err != nil {
		logger.Debug("graceful shutdown failed, continuing to power cycle", zap.Error(err))
	} else {
		b.waitForPingDown()
	}

	if err := b.power.PowerOff(); err != nil {
		return &BootError{Err: err}
	}
	time.Sleep(powerCyclePause)
	if err := b.power.PowerOn(); err != nil {
		return &BootError{Err: err}
	}
	return nil
}

func (b *NetBoot) waitForPingDown() {
	deadline := time.Now().Add(pingDownWait)
	for time.Now().Before(deadline) {
		if !b.pinger.Ping(b.cfg.BoardIP) {
			return
		}
		time.Sleep(2 * time.Second)
	}
	logger.Debug("board still answering ping after graceful shutdown")
}

// WaitForNetwork blocks until the board answers ping at its fixed address.
func (b *NetBoot) WaitForNetwork() (string, error) {
	deadline := time.Now().Add(b.cfg.Timeout)
	for time.Now().Before(deadline) {
		if b.pinger.Ping(b.cfg.BoardIP) {
			return b.cfg.BoardIP, nil
		}
		time.Sleep(2 * time.Second)
	}
	return "", &NetworkTimeoutError{Target: b.cfg.BoardIP, Waited: b.cfg.Timeout}
}

// SyncAndReboot restages the boot tree from the current working image so
// kernel, initrd and modules stay consistent with whatever state the root
// filesystem reached, then hard power-cycles the board. A mismatch between
// TFTP kernel and iSCSI root is itself a boot-hang cause.
func (b *NetBoot) SyncAndReboot() error {
	logger.Info("resyncing boot tree and rebooting", zap.String("board", b.cfg.BoardIP))

	if err := b.stage(b.workingImagePath()); err != nil {
		return err
	}
	return b.powerCycle()
}

// FullRebuild recovers from a missing iSCSI driver: re-decompress the
// pristine compressed image and restage from scratch.
func (b *NetBoot) FullRebuild() error {
	logger.Info("rebuilding boot image from pristine copy", zap.String("board", b.cfg.BoardIP))

	if err := b.resolver.Decompress(b.cfg.Image); err != nil {
		return err
	}
	if err := b.stage(b.cfg.Image.Path); err != nil {
		return err
	}
	return b.powerCycle()
}

func (b *NetBoot) powerCycle() error {
	if err := b.power.PowerOff(); err != nil {
		return &BootError{Err: err}
	}
	time.Sleep(powerCyclePause)
	if err := b.power.PowerOn(); err != nil {
		return &BootError{Err: err}
	}
	return nil
}

// Cleanup fetches the device boot log while the board may still be up,
// powers it off and archives the working boot image and TFTP tree as a
// hard-linked snapshot indexed by test id. Every sub-step failure is logged
// and cleanup continues.
func (b *NetBoot) Cleanup() error {
	if b.serial != nil {
		b.serial.Stop()
	}

	archiveDir := filepath.Join(b.cfg.ArchiveDir, b.cfg.TestRecordID)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		logger.Errorf("cleanup: create archive dir", zap.Error(err))
	}

	// best effort: after a failed boot the device is often unreachable
	if bootLog, err := b.ssh.FetchBootLog(b.cfg.BoardIP); err != nil {
		logger.Debug("cleanup: fetch boot log", zap.Error(err))
	} else if bootLog != "" {
		if err := os.WriteFile(filepath.Join(archiveDir, "boot.log"), []byte(bootLog), 0644); err != nil {
			logger.Errorf("cleanup: write boot log", zap.Error(err))
		}
	}

	if err := b.power.PowerOff(); err != nil {
		logger.Errorf("cleanup: power off", zap.Error(err))
	}
	for _, src := range []string{b.workingImagePath(), b.cfg.TFTPDir} {
		result, err := b.runner.Run(archiveTimeout, "cp", "-al", src, archiveDir+"/")
		if err != nil {
			logger.Errorf("cleanup: archive snapshot", zap.String("src", src), zap.Error(err))
			continue
		}
		if result.ExitCode != 0 {
			logger.Error(errors.Errorf("cleanup: archive %s exited %d: %s", src, result.ExitCode, result.Output))
		}
	}

	if b.serial != nil {
		b.serial.SaveToFile(filepath.Join(b.cfg.ArchiveDir, b.cfg.TestRecordID+"-serial.log"))
	}
	return nil
}

func (b *NetBoot) RunExternalVerification(ip string) bool {
	if b.verifier == nil {
		return true
	}
	return b.verifier.RunVerification(ip)
}
