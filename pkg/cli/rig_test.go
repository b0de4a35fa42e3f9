package cli

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/image"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/rigconfig"
)

func Test_newBackendConfigSSHKey(t *testing.T) {
	req := require.New(t)

	resolver := image.NewResolver(afero.NewMemMapFs(), "/cache")
	resolved, err := resolver.Describe("https://example.com/adsb-im-raspberrypi64-v3.img.xz")
	req.NoError(err)

	// a default rig has no ssh key configured: the staging script must see
	// an empty key path, not ".pub"
	cfg := rigconfig.Default()
	backendCfg := newBackendConfig(cfg, resolved, "rec-1")
	req.Empty(backendCfg.SSHPublicKeyPath)

	cfg.SSHKeyPath = "/root/.ssh/id_ed25519"
	backendCfg = newBackendConfig(cfg, resolved, "rec-1")
	req.Equal("/root/.ssh/id_ed25519.pub", backendCfg.SSHPublicKeyPath)
}

func Test_newBackendConfigMapsRigSettings(t *testing.T) {
	req := require.New(t)

	resolver := image.NewResolver(afero.NewMemMapFs(), "/cache")
	resolved, err := resolver.Describe("https://example.com/adsb-im-vm-v3.img.xz")
	req.NoError(err)

	cfg := rigconfig.Default()
	cfg.BoardIP = "10.0.0.5"
	cfg.ISCSIServerIP = "10.0.0.2"
	cfg.TimeoutMinutes = 7

	backendCfg := newBackendConfig(cfg, resolved, "rec-2")
	req.Equal("rec-2", backendCfg.TestRecordID)
	req.Equal("10.0.0.5", backendCfg.BoardIP)
	req.Equal("10.0.0.2", backendCfg.ISCSIServerIP)
	req.Equal(cfg.TestTimeout(), backendCfg.Timeout)
	req.Equal(resolved, backendCfg.Image)
}
