package cli

import (
	"github.com/pkg/errors"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/backend"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/command"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/image"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/monitor"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/netprobe"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/rigconfig"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/runner"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/serialbuf"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

func loadRigConfig(cli CLI) (rigconfig.Config, error) {
	return rigconfig.Load(cli.GetViper().GetString("rig-config"))
}

func openStore(cfg rigconfig.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(), nil
	}
	return store.NewPG(cfg.DatabaseURL)
}

// newBackendConfig maps the rig config onto one test's backend settings.
// The staging script takes the ssh public key path as an optional argument;
// a rig without a configured key must pass it as empty, not as a dangling
// ".pub" path.
func newBackendConfig(cfg rigconfig.Config, resolved *image.Resolved, recordID string) backend.Config {
	sshPublicKeyPath := ""
	if cfg.SSHKeyPath != "" {
		sshPublicKeyPath = cfg.SSHKeyPath + ".pub"
	}

	return backend.Config{
		Image:            resolved,
		TestRecordID:     recordID,
		Timeout:          cfg.TestTimeout(),
		SSHPublicKeyPath: sshPublicKeyPath,
		BoardIP:          cfg.BoardIP,
		ISCSIServerIP:    cfg.ISCSIServerIP,
		StagingDir:       cfg.StagingDir,
		TFTPDir:          cfg.TFTPDir,
		ArchiveDir:       cfg.ArchiveDir,
		BridgeName:       cfg.BridgeName,
		VMMemoryMB:       cfg.VMMemoryMB,
		VMVCPUs:          cfg.VMVCPUs,
		VMDiskDir:        cfg.VMDiskDir,
	}
}

// newOrchestrator assembles the full stack for one test record: image
// resolver, the backend matching the image's platform, the boot monitor and
// the stage sequencer. The netboot variant gets the serial console and hang
// recovery; VMs get probe-only monitoring.
func newOrchestrator(cli CLI, cfg rigconfig.Config, recordStore store.Store,
	record *store.TestRecord) (*runner.Orchestrator, error) {
	resolver := image.NewResolver(cli.GetFS(), cfg.CacheDir)
	resolved, err := resolver.Describe(record.ImageURL)
	if err != nil {
		return nil, errors.Wrap(err, "describe image")
	}

	execRunner := command.NewRunner()

	runVerification := cfg.VerificationScript != ""
	var verifier backend.Verifier
	if runVerification {
		verifier = command.NewScriptVerifier(cfg.VerificationScript, execRunner)
	}

	backendCfg := newBackendConfig(cfg, resolved, record.ID)

	monitorCfg := monitor.Config{
		ExpectedImageName:     resolved.CanonicalName,
		Timeout:               cfg.TestTimeout(),
		SlowShutdownPlatforms: cfg.SlowShutdownPlatforms,
	}

	pinger := netprobe.NewPinger()
	prober := netprobe.NewHTTPProber()

	var be backend.Backend
	var bootMonitor *monitor.Monitor

	if backend.IsVirtualPlatform(resolved.Platform) {
		hypervisor := command.NewShellHypervisor(cfg.HypervisorHost, cfg.HypervisorUser, execRunner)
		be = backend.NewVirtualMachine(backendCfg, hypervisor, resolver, verifier)
		bootMonitor = monitor.New(monitorCfg, pinger, prober, nil, nil)
	} else {
		serial := serialbuf.New(cfg.SerialDevice, cfg.SerialBaud, cfg.SerialCapacity, cfg.SerialMirror)
		netboot := backend.NewNetBoot(backendCfg, serial,
			command.NewShellPowerControl(cfg.PowerToggleCmd, execRunner),
			command.NewShellSSH(cfg.SSHUser, cfg.SSHKeyPath, execRunner),
			command.NewShellStager(cfg.StagingScript, execRunner),
			resolver, execRunner, pinger, verifier, cfg.ExtraHangSignatures)

		monitorCfg.HangSignatures = netboot.ShutdownHangSignatures()
		monitorCfg.DriverMissingSignature = backend.DriverMissingSignature
		monitorCfg.RebootTargetPattern = backend.RebootTargetPattern

		bootMonitor = monitor.New(monitorCfg, pinger, prober, serial, netboot)
		be = netboot
	}

	return runner.New(recordStore, be, bootMonitor, resolved.CanonicalName, runVerification), nil
}
