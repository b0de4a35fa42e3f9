package rigconfig

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Signature is a serial-console pattern that identifies a known hang class.
type Signature struct {
	Pattern string `yaml:"pattern"`
	IsRegex bool   `yaml:"is_regex"`
}

// Config holds the per-rig settings shared by the queue daemon and the
// one-shot runner. A single YAML file describes exactly one rig: either a
// physical netboot board or a hypervisor slot, plus the directories and
// helper commands the rig uses.
type Config struct {
	// Netboot rig
	BoardIP        string `yaml:"board_ip"`
	SerialDevice   string `yaml:"serial_device"`
	SerialBaud     int    `yaml:"serial_baud"`
	SerialCapacity int    `yaml:"serial_capacity"`
	SerialMirror   string `yaml:"serial_mirror_log"`
	ISCSIServerIP  string `yaml:"iscsi_server_ip"`
	StagingDir     string `yaml:"staging_dir"`
	TFTPDir        string `yaml:"tftp_dir"`
	ArchiveDir     string `yaml:"archive_dir"`
	PowerToggleCmd string `yaml:"power_toggle_cmd"`
	StagingScript  string `yaml:"staging_script"`

	// VerificationScript drives the feeder UI from a browser; invoked with
	// the device IP, exit 0 means the image passed. Empty disables the
	// verification stage.
	VerificationScript string `yaml:"verification_script"`

	// Device access
	SSHUser    string `yaml:"ssh_user"`
	SSHKeyPath string `yaml:"ssh_key_path"`

	// Hypervisor rig
	HypervisorHost string `yaml:"hypervisor_host"`
	HypervisorUser string `yaml:"hypervisor_user"`
	BridgeName     string `yaml:"bridge_name"`
	VMMemoryMB     int    `yaml:"vm_memory_mb"`
	VMVCPUs        int    `yaml:"vm_vcpus"`
	VMDiskDir      string `yaml:"vm_disk_dir"`

	// Shared behavior
	CacheDir              string      `yaml:"cache_dir"`
	TimeoutMinutes        int         `yaml:"timeout_minutes"`
	DedupWindowMinutes    int         `yaml:"dedup_window_minutes"`
	SlowShutdownPlatforms []string    `yaml:"slow_shutdown_platforms"`
	ExtraHangSignatures   []Signature `yaml:"extra_hang_signatures"`

	// Daemon
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`
}

// Default returns a Config with the values a stock rig ships with.
func Default() Config {
	return Config{
		SerialBaud:            115200,
		SerialCapacity:        1000,
		StagingDir:            "/srv/iscsi",
		TFTPDir:               "/srv/tftp",
		ArchiveDir:            "/srv/boottest-archive",
		CacheDir:              "/var/cache/boottest",
		PowerToggleCmd:        "power-toggle",
		SSHUser:               "root",
		VMMemoryMB:            2048,
		VMVCPUs:               2,
		TimeoutMinutes:        10,
		DedupWindowMinutes:    60,
		SlowShutdownPlatforms: []string{"raspberrypi64"},
		ListenAddr:            ":8420",
	}
}

// Load reads a YAML rig config, applying defaults for anything unset.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read rig config")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshal rig config")
	}
	return cfg, nil
}

// TestTimeout returns the per-test outer timeout as a duration.
func (c Config) TestTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// DedupWindow returns the submission dedup window as a duration.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMinutes) * time.Minute
}
