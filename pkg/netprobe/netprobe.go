package netprobe

import (
	"fmt"
	"io"
	"net/http"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/pkg/errors"
)

// Pinger answers "is this address alive right now". One-shot, bounded.
type Pinger interface {
	Ping(ip string) bool
}

var _ Pinger = new(ICMPPinger)

// ICMPPinger sends a single unprivileged ICMP echo with a short timeout.
type ICMPPinger struct {
	Timeout time.Duration
}

func NewPinger() *ICMPPinger {
	return &ICMPPinger{Timeout: 2 * time.Second}
}

func (p *ICMPPinger) Ping(ip string) bool {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false
	}

	pinger.Count = 1
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(false)

	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// PageProber fetches the device's root page.
type PageProber interface {
	Probe(ip string) (status int, body string, err error)
}

var _ PageProber = new(HTTPProber)

// HTTPProber issues a short-timeout GET against the device's web UI. Body
// reads are capped; boot pages are small and a misbehaving device must not
// stall the monitor.
type HTTPProber struct {
	client *http.Client
}

const maxProbeBody = 1 << 20

func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProber) Probe(ip string) (int, string, error) {
	resp, err := p.client.Get(fmt.Sprintf("http://%s/", ip))
	if err != nil {
		return 0, "", errors.Wrap(err, "probe root page")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return resp.StatusCode, "", errors.Wrap(err, "read probe body")
	}
	return resp.StatusCode, string(body), nil
}
