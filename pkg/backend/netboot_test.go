package backend

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/command"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/image"
)

type fakePower struct {
	calls []string
	fail  bool
}

func (f *fakePower) PowerOn() error {
	f.calls = append(f.calls, "on")
	if f.fail {
		return errors.New("relay stuck")
	}
	return nil
}

func (f *fakePower) PowerOff() error {
	f.calls = append(f.calls, "off")
	if f.fail {
		return errors.New("relay stuck")
	}
	return nil
}

type fakeSSH struct {
	shutdowns []string
	err       error

	bootLog    string
	bootLogErr error
	fetches    []string
}

func (f *fakeSSH) Shutdown(ip string) error {
	f.shutdowns = append(f.shutdowns, ip)
	return f.err
}

func (f *fakeSSH) FetchBootLog(ip string) (string, error) {
	f.fetches = append(f.fetches, ip)
	return f.bootLog, f.bootLogErr
}

type fakeStager struct {
	stageCalls  [][]string
	verifyCalls int
	verifyFails int // fail this many VerifyLUN calls before succeeding
	stageErr    error
}

func (f *fakeStager) Stage(imagePath, targetPath, sshPubKeyPath, iscsiServerIP, flagFilename string) error {
	f.stageCalls = append(f.stageCalls, []string{imagePath, targetPath})
	return f.stageErr
}

func (f *fakeStager) VerifyLUN(targetPath string) error {
	f.verifyCalls++
	if f.verifyCalls <= f.verifyFails {
		return errors.New("only controller lun present")
	}
	return nil
}

type fakePinger struct {
	alive bool
}

func (f *fakePinger) Ping(ip string) bool { return f.alive }

type nopRunner struct{}

func (nopRunner) Run(timeout time.Duration, name string, args ...string) (command.Result, error) {
	return command.Result{}, nil
}

func testResolver(t *testing.T) (*image.Resolver, *image.Resolved) {
	t.Helper()

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("disk image"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cache/adsb-im-raspberrypi64-v2.img.xz", buf.Bytes(), 0644))

	resolver := image.NewResolver(fs, "/cache")
	resolved := &image.Resolved{
		URL:            "file:///unused/adsb-im-raspberrypi64-v2.img.xz",
		CanonicalName:  "adsb-im-raspberrypi64-v2.img",
		Platform:       "raspberrypi64",
		CompressedPath: "/cache/adsb-im-raspberrypi64-v2.img.xz",
		Path:           "/cache/adsb-im-raspberrypi64-v2.img",
	}
	require.NoError(t, resolver.Decompress(resolved))
	return resolver, resolved
}

func newTestNetBoot(t *testing.T, stager *fakeStager, power *fakePower, ssh *fakeSSH, pinger *fakePinger) *NetBoot {
	t.Helper()

	resolver, resolved := testResolver(t)
	cfg := Config{
		Image:         resolved,
		TestRecordID:  "rec-1",
		Timeout:       200 * time.Millisecond,
		BoardIP:       "10.0.0.5",
		ISCSIServerIP: "10.0.0.2",
		StagingDir:    "/srv/iscsi",
		TFTPDir:       "/srv/tftp",
		ArchiveDir:    t.TempDir(),
	}
	return NewNetBoot(cfg, nil, power, ssh, stager, resolver, nopRunner{}, pinger, nil, nil)
}

func init() {
	lunVerifyBackoff = 0
	pingDownWait = 50 * time.Millisecond
	powerCyclePause = 0
}

func Test_NetBootPrepareRetriesLUN(t *testing.T) {
	req := require.New(t)

	stager := &fakeStager{verifyFails: 3}
	nb := newTestNetBoot(t, stager, &fakePower{}, &fakeSSH{}, &fakePinger{})

	req.NoError(nb.Prepare())
	req.Equal(4, stager.verifyCalls)
	req.Len(stager.stageCalls, 1)
	// stages from the pristine decompressed image into the working path
	req.Equal("/cache/adsb-im-raspberrypi64-v2.img", stager.stageCalls[0][0])
	req.Equal("/srv/iscsi/adsb-im-raspberrypi64-v2.img", stager.stageCalls[0][1])
}

func Test_NetBootPrepareLUNExhausted(t *testing.T) {
	req := require.New(t)

	stager := &fakeStager{verifyFails: 100}
	nb := newTestNetBoot(t, stager, &fakePower{}, &fakeSSH{}, &fakePinger{})

	err := nb.Prepare()
	req.Error(err)
	req.Equal(5, stager.verifyCalls)

	var stagingErr *image.StagingError
	req.ErrorAs(err, &stagingErr)
}

func Test_NetBootBootPowerCycles(t *testing.T) {
	req := require.New(t)

	power := &fakePower{}
	ssh := &fakeSSH{}
	nb := newTestNetBoot(t, &fakeStager{}, power, ssh, &fakePinger{alive: false})

	req.NoError(nb.Boot())
	req.Equal([]string{"10.0.0.5"}, ssh.shutdowns)
	req.Equal([]string{"off", "on"}, power.calls)
}

func Test_NetBootBootPowerFailure(t *testing.T) {
	req := require.New(t)

	power := &fakePower{fail: true}
	nb := newTestNetBoot(t, &fakeStager{}, power, &fakeSSH{err: errors.New("unreachable")}, &fakePinger{})

	err := nb.Boot()
	req.Error(err)

	var bootErr *BootError
	req.ErrorAs(err, &bootErr)
}

func Test_NetBootSyncAndRebootUsesWorkingImage(t *testing.T) {
	req := require.New(t)

	stager := &fakeStager{}
	power := &fakePower{}
	nb := newTestNetBoot(t, stager, power, &fakeSSH{}, &fakePinger{})

	req.NoError(nb.SyncAndReboot())
	req.Len(stager.stageCalls, 1)
	// source is the working image, not the pristine copy
	req.Equal("/srv/iscsi/adsb-im-raspberrypi64-v2.img", stager.stageCalls[0][0])
	req.Equal([]string{"off", "on"}, power.calls)
}

func Test_NetBootFullRebuildUsesPristineImage(t *testing.T) {
	req := require.New(t)

	stager := &fakeStager{}
	nb := newTestNetBoot(t, stager, &fakePower{}, &fakeSSH{}, &fakePinger{})

	req.NoError(nb.FullRebuild())
	req.Len(stager.stageCalls, 1)
	req.Equal("/cache/adsb-im-raspberrypi64-v2.img", stager.stageCalls[0][0])
}

func Test_NetBootWaitForNetworkTimeout(t *testing.T) {
	req := require.New(t)

	nb := newTestNetBoot(t, &fakeStager{}, &fakePower{}, &fakeSSH{}, &fakePinger{alive: false})

	_, err := nb.WaitForNetwork()
	req.Error(err)

	var netErr *NetworkTimeoutError
	req.ErrorAs(err, &netErr)
}

func Test_NetBootWaitForNetworkSuccess(t *testing.T) {
	req := require.New(t)

	nb := newTestNetBoot(t, &fakeStager{}, &fakePower{}, &fakeSSH{}, &fakePinger{alive: true})

	ip, err := nb.WaitForNetwork()
	req.NoError(err)
	req.Equal("10.0.0.5", ip)
}

func Test_NetBootCleanupArchivesBootLog(t *testing.T) {
	req := require.New(t)

	ssh := &fakeSSH{bootLog: "feeder image boot: ok\n"}
	nb := newTestNetBoot(t, &fakeStager{}, &fakePower{}, ssh, &fakePinger{})

	req.NoError(nb.Cleanup())
	req.Equal([]string{"10.0.0.5"}, ssh.fetches)

	logPath := filepath.Join(nb.cfg.ArchiveDir, "rec-1", "boot.log")
	contents, err := os.ReadFile(logPath)
	req.NoError(err)
	req.Equal("feeder image boot: ok\n", string(contents))
}

func Test_NetBootCleanupSkipsUnreachableBootLog(t *testing.T) {
	req := require.New(t)

	ssh := &fakeSSH{bootLogErr: errors.New("ssh: connect: no route to host")}
	nb := newTestNetBoot(t, &fakeStager{}, &fakePower{}, ssh, &fakePinger{})

	req.NoError(nb.Cleanup())

	logPath := filepath.Join(nb.cfg.ArchiveDir, "rec-1", "boot.log")
	_, err := os.Stat(logPath)
	req.True(os.IsNotExist(err))
}

func Test_NetBootCleanupContinuesOnFailure(t *testing.T) {
	req := require.New(t)

	power := &fakePower{fail: true}
	nb := newTestNetBoot(t, &fakeStager{}, power, &fakeSSH{}, &fakePinger{})

	// power-off fails but cleanup must not error
	req.NoError(nb.Cleanup())
	req.Equal([]string{"off"}, power.calls)
}

func Test_NetBootExternalVerificationDefaultsTrue(t *testing.T) {
	req := require.New(t)

	nb := newTestNetBoot(t, &fakeStager{}, &fakePower{}, &fakeSSH{}, &fakePinger{})
	req.True(nb.RunExternalVerification("10.0.0.5"))
}
