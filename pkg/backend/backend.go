package backend

import (
	"fmt"
	"time"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/image"
)

// Backend is the capability contract every device variant implements. The
// orchestrator never branches on the concrete type; the variant is picked
// once from the image's platform and used through this interface only.
type Backend interface {
	Prepare() error
	Boot() error
	WaitForNetwork() (string, error)
	Cleanup() error
	RunExternalVerification(ip string) bool
}

// Verifier is the browser-driven verification collaborator, invoked only
// after the device is reachable.
type Verifier interface {
	RunVerification(ip string) bool
}

// Config is constructed once per test and read-only for the backend's
// lifetime.
type Config struct {
	Image        *image.Resolved
	TestRecordID string
	Timeout      time.Duration

	SSHPublicKeyPath string

	// Netboot rig
	BoardIP       string
	ISCSIServerIP string
	StagingDir    string
	TFTPDir       string
	ArchiveDir    string

	// Hypervisor rig
	BridgeName string
	VMMemoryMB int
	VMVCPUs    int
	VMDiskDir  string
}

// virtualPlatforms are image platforms that boot under a hypervisor instead
// of the physical netboot rig.
var virtualPlatforms = map[string]bool{
	"vm":   true,
	"qemu": true,
	"x86":  true,
}

// IsVirtualPlatform reports whether platform boots as a VM.
func IsVirtualPlatform(platform string) bool {
	return virtualPlatforms[platform]
}

// BootError indicates the device could not be power-cycled or started.
type BootError struct {
	Err error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("boot failed: %v", e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// NetworkTimeoutError indicates the device never became reachable.
type NetworkTimeoutError struct {
	Target  string
	Waited  time.Duration
	Details string
}

func (e *NetworkTimeoutError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s not reachable after %s: %s", e.Target, e.Waited, e.Details)
	}
	return fmt.Sprintf("%s not reachable after %s", e.Target, e.Waited)
}
