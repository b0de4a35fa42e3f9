package backend

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/command"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/image"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
)

const domainXMLTemplate = `<domain type='kvm'>
  <name>%s</name>
  <memory unit='MiB'>%d</memory>
  <vcpu>%d</vcpu>
  <os>
    <type arch='x86_64'>hvm</type>
    <boot dev='hd'/>
  </os>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='%s'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <interface type='bridge'>
      <source bridge='%s'/>
      <mac address='%s'/>
      <model type='virtio'/>
    </interface>
    <serial type='pty'><target port='0'/></serial>
    <console type='pty'><target type='serial' port='0'/></console>
  </devices>
</domain>
`

var _ Backend = new(VirtualMachine)

// VirtualMachine boots the image as a libvirt domain on a hypervisor slot.
// There is no serial monitoring and no hang recovery: VMs do not exhibit
// the iSCSI hang classes, so boot verification is probe-only.
type VirtualMachine struct {
	cfg        Config
	hypervisor command.Hypervisor
	resolver   *image.Resolver
	verifier   Verifier
}

func NewVirtualMachine(cfg Config, hypervisor command.Hypervisor,
	resolver *image.Resolver, verifier Verifier) *VirtualMachine {
	return &VirtualMachine{
		cfg:        cfg,
		hypervisor: hypervisor,
		resolver:   resolver,
		verifier:   verifier,
	}
}

func (v *VirtualMachine) domainName() string {
	return "boottest-" + v.cfg.TestRecordID
}

// macAddress derives a stable locally-administered MAC from the record id,
// so the DHCP lease can be found without a guest agent.
func (v *VirtualMachine) macAddress() string {
	sum := sha256.Sum256([]byte(v.cfg.TestRecordID))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

func (v *VirtualMachine) remoteDiskPath() string {
	return filepath.Join(v.cfg.VMDiskDir, v.domainName()+".qcow2")
}

func (v *VirtualMachine) remoteXMLPath() string {
	return filepath.Join(v.cfg.VMDiskDir, v.domainName()+".xml")
}

// Prepare resolves the image, copies the disk to the hypervisor and defines
// the domain.
func (v *VirtualMachine) Prepare() error {
	if _, err := v.resolver.Resolve(v.cfg.Image.URL); err != nil {
		return err
	}

	if err := v.hypervisor.CopyTo(v.cfg.Image.Path, v.remoteDiskPath()); err != nil {
		return &image.StagingError{Step: "copy disk to hypervisor", Err: err}
	}

	xml := fmt.Sprintf(domainXMLTemplate, v.domainName(), v.cfg.VMMemoryMB,
		v.cfg.VMVCPUs, v.remoteDiskPath(), v.cfg.BridgeName, v.macAddress())

	localXML := filepath.Join(os.TempDir(), v.domainName()+".xml")
	if err := os.WriteFile(localXML, []byte(xml), 0644); err != nil {
		return &image.StagingError{Step: "write domain xml", Err: err}
	}
	defer os.Remove(localXML)

	if err := v.hypervisor.CopyTo(localXML, v.remoteXMLPath()); err != nil {
		return &image.StagingError{Step: "copy domain xml", Err: err}
	}
	if err := v.hypervisor.Define(v.remoteXMLPath()); err != nil {
		return &image.StagingError{Step: "define domain", Err: err}
	}
	return nil
}

// Boot starts the defined domain.
func (v *VirtualMachine) Boot() error {
	if err := v.hypervisor.Create(v.domainName()); err != nil {
		return &BootError{Err: err}
	}
	return nil
}

// WaitForNetwork resolves the VM's DHCP lease by MAC from the hypervisor's
// local lease table, falling back to virsh's own lease introspection.
func (v *VirtualMachine) WaitForNetwork() (string, error) {
	deadline := time.Now().Add(v.cfg.Timeout)
	for time.Now().Before(deadline) {
		if leases, err := v.hypervisor.DHCPLeases(); err == nil {
			if ip, ok := command.FindLeaseByMAC(leases, v.macAddress()); ok {
				return ip, nil
			}
		}

		if output, err := v.hypervisor.DomIfAddr(v.domainName()); err == nil {
			if ip, ok := command.ParseDomIfAddr(output); ok {
				return ip, nil
			}
		}

		time.Sleep(2 * time.Second)
	}
	return "", &NetworkTimeoutError{
		Target:  v.domainName(),
		Waited:  v.cfg.Timeout,
		Details: "no dhcp lease for " + v.macAddress(),
	}
}

// Cleanup destroys and undefines the domain and removes its files; each
// sub-step failure is logged and cleanup continues.
func (v *VirtualMachine) Cleanup() error {
	if err := v.hypervisor.Destroy(v.domainName()); err != nil {
		logger.Debug("cleanup: destroy domain", zap.Error(err))
	}
	if err := v.hypervisor.Undefine(v.domainName()); err != nil {
		logger.Debug("cleanup: undefine domain", zap.Error(err))
	}
	if err := v.hypervisor.RemoveFile(v.remoteDiskPath()); err != nil {
		logger.Errorf("cleanup: remove disk", zap.Error(err))
	}
	if err := v.hypervisor.RemoveFile(v.remoteXMLPath()); err != nil {
		logger.Errorf("cleanup: remove domain xml", zap.Error(err))
	}
	return nil
}

func (v *VirtualMachine) RunExternalVerification(ip string) bool {
	if v.verifier == nil {
		return true
	}
	return v.verifier.RunVerification(ip)
}
