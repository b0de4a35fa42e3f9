package command

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	virshTimeout = 60 * time.Second
	scpTimeout   = 10 * time.Minute
)

// Hypervisor manages test VM domains on a (possibly remote) libvirt host.
type Hypervisor interface {
	Define(xmlPath string) error
	Create(domain string) error
	Destroy(domain string) error
	Undefine(domain string) error
	DomState(domain string) (string, error)
	DomIfAddr(domain string) (string, error)
	DHCPLeases() (string, error)
	CopyTo(localPath, remotePath string) error
	RemoveFile(remotePath string) error
}

var _ Hypervisor = new(ShellHypervisor)

// ShellHypervisor drives virsh over ssh. Host may be empty for a local
// hypervisor, in which case virsh runs directly.
type ShellHypervisor struct {
	Host   string
	User   string
	Runner Runner
}

func NewShellHypervisor(host, user string, runner Runner) *ShellHypervisor {
	return &ShellHypervisor{Host: host, User: user, Runner: runner}
}

func (h *ShellHypervisor) Define(xmlPath string) error {
	return h.virsh("define", xmlPath)
}

func (h *ShellHypervisor) Create(domain string) error {
	return h.virsh("start", domain)
}

func (h *ShellHypervisor) Destroy(domain string) error {
	return h.virsh("destroy", domain)
}

func (h *ShellHypervisor) Undefine(domain string) error {
	return h.virsh("undefine", domain, "--remove-all-storage")
}

func (h *ShellHypervisor) DomState(domain string) (string, error) {
	return h.virshOutput("domstate", domain)
}

func (h *ShellHypervisor) DomIfAddr(domain string) (string, error) {
	return h.virshOutput("domifaddr", domain, "--source", "lease")
}

// DHCPLeases returns the hypervisor's local dnsmasq lease table.
func (h *ShellHypervisor) DHCPLeases() (string, error) {
	result, err := h.run(virshTimeout, "cat", "/var/lib/misc/dnsmasq.leases")
	if err != nil {
		return "", errors.Wrap(err, "read dhcp leases")
	}
	if result.ExitCode != 0 {
		return "", errors.Errorf("read dhcp leases exited %d: %s", result.ExitCode, result.Output)
	}
	return result.Output, nil
}

func (h *ShellHypervisor) CopyTo(localPath, remotePath string) error {
	if h.Host == "" {
		result, err := h.Runner.Run(scpTimeout, "cp", localPath, remotePath)
		if err != nil {
			return errors.Wrap(err, "copy image")
		}
		if result.ExitCode != 0 {
			return errors.Errorf("copy image exited %d: %s", result.ExitCode, result.Output)
		}
		return nil
	}
	dest := fmt.Sprintf("%s@%s:%s", h.User, h.Host, remotePath)
	result, err := h.Runner.Run(scpTimeout, "scp", "-o", "BatchMode=yes", localPath, dest)
	if err != nil {
		return errors.Wrap(err, "scp image")
	}
	if result.ExitCode != 0 {
		return errors.Errorf("scp image exited %d: %s", result.ExitCode, result.Output)
	}
	return nil
}

func (h *ShellHypervisor) RemoveFile(remotePath string) error {
	result, err := h.run(virshTimeout, "rm", "-f", remotePath)
	if err != nil {
		return errors.Wrap(err, "remove remote file")
	}
	if result.ExitCode != 0 {
		return errors.Errorf("remove remote file exited %d: %s", result.ExitCode, result.Output)
	}
	return nil
}

func (h *ShellHypervisor) virsh(args ...string) error {
	_, err := h.virshOutput(args...)
	return err
}

func (h *ShellHypervisor) virshOutput(args ...string) (string, error) {
	result, err := h.run(virshTimeout, "virsh", args...)
	if err != nil {
		return "", errors.Wrapf(err, "virsh %s", args[0])
	}
	if result.ExitCode != 0 {
		return "", errors.Errorf("virsh %s exited %d: %s", args[0], result.ExitCode, result.Output)
	}
	return strings.TrimSpace(result.Output), nil
}

func (h *ShellHypervisor) run(timeout time.Duration, name string, args ...string) (Result, error) {
	if h.Host == "" {
		return h.Runner.Run(timeout, name, args...)
	}
	remote := append([]string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		fmt.Sprintf("%s@%s", h.User, h.Host),
		name,
	}, args...)
	return h.Runner.Run(timeout, "ssh", remote...)
}

var leaseIPRe = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)

// FindLeaseByMAC scans a dnsmasq lease table for the IP bound to mac.
// Lease lines look like: "1699999999 52:54:00:ab:cd:ef 192.168.122.73 vm -".
func FindLeaseByMAC(leases, mac string) (string, bool) {
	mac = strings.ToLower(mac)
	for _, line := range strings.Split(leases, "\n") {
		if !strings.Contains(strings.ToLower(line), mac) {
			continue
		}
		if ip := leaseIPRe.FindString(line); ip != "" {
			return ip, true
		}
	}
	return "", false
}

// ParseDomIfAddr extracts the first IPv4 address from virsh domifaddr output.
func ParseDomIfAddr(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "ipv4") {
			continue
		}
		if ip := leaseIPRe.FindString(line); ip != "" {
			return ip, true
		}
	}
	return "", false
}
