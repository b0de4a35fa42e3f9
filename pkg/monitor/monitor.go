package monitor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/netprobe"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/rigconfig"
)

// Outcome is the terminal result of one monitor invocation.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeWrongImage      Outcome = "wrongImage"
	OutcomeTimeout         Outcome = "timeout"
	OutcomePingDownTimeout Outcome = "pingDownTimeout"
)

// Result carries the outcome plus the last diagnostic observed and how many
// hang recoveries were spent getting there.
type Result struct {
	Outcome    Outcome
	Diagnostic string
	Recoveries int
}

// SerialLines is the monitor's view of the serial buffer: an incremental
// read of lines not yet examined. Nil means no serial diagnostics.
type SerialLines interface {
	GetRecent(n int, sinceLastCall bool) []string
}

// Recoverer exposes the hang-recovery actions a backend supports. Nil means
// the backend has no recovery path (VMs).
type Recoverer interface {
	SyncAndReboot() error
	FullRebuild() error
}

// Config tunes the dual-timeout wait. Zero fields get defaults.
type Config struct {
	ExpectedImageName string
	Timeout           time.Duration
	GracePeriod       time.Duration
	PingDownLimit     time.Duration
	PollInterval      time.Duration
	InnerIterations   int
	MaxPasses         int
	RecoveryBudget    int
	RunningPageMarker string

	// SlowShutdownPlatforms are substrings of the image name naming
	// platforms with legitimately slow iSCSI-root shutdown paths; they may
	// retry past the normal pass budget.
	SlowShutdownPlatforms []string

	HangSignatures         []rigconfig.Signature
	DriverMissingSignature rigconfig.Signature
	RebootTargetPattern    string
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 90 * time.Second
	}
	if c.PingDownLimit == 0 {
		c.PingDownLimit = 120 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.InnerIterations == 0 {
		c.InnerIterations = 10
	}
	if c.MaxPasses == 0 {
		c.MaxPasses = 3
	}
	if c.RecoveryBudget == 0 {
		c.RecoveryBudget = 3
	}
	if c.RunningPageMarker == "" {
		c.RunningPageMarker = "adsb.im feeder"
	}
	if c.RebootTargetPattern == "" {
		c.RebootTargetPattern = "reboot.target"
	}
}

// Monitor drives the boot-completion state machine for one test. Pure
// ping+HTTP polling cannot tell a slow boot from a hung shutdown from a
// missing driver; the serial signatures are the only low-latency signal,
// and the grace period keeps leftover pre-reboot chatter from triggering a
// spurious recovery loop.
type Monitor struct {
	cfg     Config
	pinger  netprobe.Pinger
	prober  netprobe.PageProber
	serial  SerialLines
	recover Recoverer

	sleep func(time.Duration)

	hangMatchers   []matcher
	driverMatcher  *matcher
	rebootMatcher  matcher
	bootedAt       time.Time
	downSince      time.Time
	seenAlive      bool
	seenFirstBoot  bool
	recoveries     int
	lastDiagnostic string
}

type matcher struct {
	pattern string
	match   func(string) bool
}

func New(cfg Config, pinger netprobe.Pinger, prober netprobe.PageProber,
	serial SerialLines, recoverer Recoverer) *Monitor {
	cfg.applyDefaults()

	m := &Monitor{
		cfg:     cfg,
		pinger:  pinger,
		prober:  prober,
		serial:  serial,
		recover: recoverer,
		sleep:   time.Sleep,
	}
	for _, sig := range cfg.HangSignatures {
		if mt, err := compile(sig); err == nil {
			m.hangMatchers = append(m.hangMatchers, mt)
		} else {
			logger.Error(err)
		}
	}
	if cfg.DriverMissingSignature.Pattern != "" {
		if mt, err := compile(cfg.DriverMissingSignature); err == nil {
			m.driverMatcher = &mt
		}
	}
	m.rebootMatcher = matcher{
		pattern: cfg.RebootTargetPattern,
		match: func(line string) bool {
			return strings.Contains(line, cfg.RebootTargetPattern)
		},
	}
	return m
}

func compile(sig rigconfig.Signature) (matcher, error) {
	if sig.IsRegex {
		re, err := regexp.Compile(sig.Pattern)
		if err != nil {
			return matcher{}, err
		}
		return matcher{pattern: sig.Pattern, match: re.MatchString}, nil
	}
	pattern := sig.Pattern
	return matcher{
		pattern: pattern,
		match: func(line string) bool {
			return strings.Contains(line, pattern)
		},
	}, nil
}

// Wait runs the dual-timeout loop until the boot resolves or the outer
// timer expires.
func (m *Monitor) Wait(ip string) Result {
	deadline := time.Now().Add(m.cfg.Timeout)
	m.bootedAt = time.Now()
	passes := 0

	for time.Now().Before(deadline) {
		for i := 0; i < m.cfg.InnerIterations && time.Now().Before(deadline); i++ {
			if result, done := m.poll(ip); done {
				result.Recoveries = m.recoveries
				return result
			}
			m.sleep(m.cfg.PollInterval)
		}

		passes++
		if passes >= m.cfg.MaxPasses && !m.slowShutdownPlatform() {
			return Result{
				Outcome:    OutcomeTimeout,
				Diagnostic: fmt.Sprintf("gave up after %d passes: %s", passes, m.lastDiagnostic),
				Recoveries: m.recoveries,
			}
		}
	}

	outcome := OutcomeTimeout
	if !m.downSince.IsZero() && time.Since(m.downSince) > m.cfg.PingDownLimit {
		outcome = OutcomePingDownTimeout
	}
	return Result{
		Outcome:    outcome,
		Diagnostic: m.lastDiagnostic,
		Recoveries: m.recoveries,
	}
}

// poll runs one iteration of the inner loop. done is true when an outcome
// was reached.
func (m *Monitor) poll(ip string) (Result, bool) {
	if !m.pinger.Ping(ip) {
		m.pollDown()
		return Result{}, false
	}

	m.seenAlive = true
	m.downSince = time.Time{}

	status, body, err := m.prober.Probe(ip)
	if err != nil {
		m.lastDiagnostic = err.Error()
		logger.Debug("probe failed", zap.Error(err))
		return Result{}, false
	}
	if status != 200 {
		m.lastDiagnostic = fmt.Sprintf("root page returned %d", status)
		logger.Debug("probe returned non-200", zap.Int("status", status))
		return Result{}, false
	}

	title := pageTitle(body)
	if strings.Contains(title, "First boot") || strings.Contains(title, "Second boot") {
		m.seenFirstBoot = true
		m.lastDiagnostic = "boot in progress: " + title
		return Result{}, false
	}

	if strings.Contains(body, m.cfg.ExpectedImageName) {
		return Result{
			Outcome:    OutcomeSuccess,
			Diagnostic: "page reports " + m.cfg.ExpectedImageName,
		}, true
	}

	if strings.Contains(body, m.cfg.RunningPageMarker) {
		// the device is up and serving, just not the image under test:
		// fail fast instead of waiting out the timeout
		return Result{
			Outcome:    OutcomeWrongImage,
			Diagnostic: "running page does not mention " + m.cfg.ExpectedImageName,
		}, true
	}

	m.lastDiagnostic = fmt.Sprintf("unrecognized page, title %q", title)
	return Result{}, false
}

// pollDown handles one iteration while the target does not answer ping.
func (m *Monitor) pollDown() {
	now := time.Now()
	if m.downSince.IsZero() {
		m.downSince = now
	}
	m.lastDiagnostic = fmt.Sprintf("ping down for %s", now.Sub(m.downSince).Round(time.Second))

	if now.Sub(m.bootedAt) < m.cfg.GracePeriod {
		return
	}

	if m.serial != nil {
		chunk := m.serial.GetRecent(200, true)
		if len(chunk) > 0 {
			if line, ok := matchAny(chunk, []matcher{m.rebootMatcher}); ok {
				// expected clean shutdown before a resync, not a hang
				logger.Info("clean shutdown observed, resyncing boot tree",
					zap.String("line", line))
				m.runRecovery(false, false)
				return
			}
			if line, ok := matchAny(chunk, m.hangMatchers); ok {
				logger.Info("shutdown hang signature matched",
					zap.String("line", line))
				m.lastDiagnostic = "hang signature: " + line
				m.runRecovery(true, false)
				return
			}
			if m.driverMatcher != nil {
				if line, ok := matchAny(chunk, []matcher{*m.driverMatcher}); ok {
					logger.Info("iscsi driver missing, rebuilding image",
						zap.String("line", line))
					m.lastDiagnostic = "rescue shell banner: " + line
					m.runRecovery(true, true)
					return
				}
			}
		}
	}

	if m.seenAlive && now.Sub(m.downSince) > m.cfg.PingDownLimit {
		logger.Info("device went down and stayed down, treating as hang",
			zap.Duration("down", now.Sub(m.downSince)))
		m.lastDiagnostic = "ping down past limit after first contact"
		m.runRecovery(true, false)
	}
}

// runRecovery triggers the backend recovery action and resets the grace
// period and boot-progress flags. counted recoveries draw down the hang
// budget; a clean-shutdown resync does not.
func (m *Monitor) runRecovery(counted, fullRebuild bool) {
	if counted {
		if m.recoveries >= m.cfg.RecoveryBudget {
			logger.Debug("recovery budget exhausted, waiting out the timer")
			return
		}
		m.recoveries++
	}

	if m.recover == nil {
		return
	}

	var err error
	if fullRebuild {
		err = m.recover.FullRebuild()
	} else {
		err = m.recover.SyncAndReboot()
	}
	if err != nil {
		logger.Error(err)
		m.lastDiagnostic = "recovery failed: " + err.Error()
	}

	m.bootedAt = time.Now()
	m.downSince = time.Time{}
	m.seenAlive = false
	m.seenFirstBoot = false
}

func (m *Monitor) slowShutdownPlatform() bool {
	for _, platform := range m.cfg.SlowShutdownPlatforms {
		if platform != "" && strings.Contains(m.cfg.ExpectedImageName, platform) {
			return true
		}
	}
	return false
}

func matchAny(lines []string, matchers []matcher) (string, bool) {
	for _, line := range lines {
		for _, mt := range matchers {
			if mt.match(line) {
				return line, true
			}
		}
	}
	return "", false
}

var titleRe = regexp.MustCompile(`(?is)<title>(.*?)</title>`)

func pageTitle(body string) string {
	groups := titleRe.FindStringSubmatch(body)
	if len(groups) < 2 {
		return ""
	}
	return strings.TrimSpace(groups[1])
}
