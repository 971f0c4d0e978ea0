package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"engraver/internal/config"
	"engraver/internal/logging"
)

const devicePollInterval = time.Second

// DeviceMonitor tracks whether the configured serial device is attached. It
// listens for udev tty add/remove events and falls back to polling the device
// node when the netlink socket is unavailable.
type DeviceMonitor struct {
	logger *slog.Logger
	device string

	mu      sync.Mutex
	present bool
	changed chan struct{}
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
	netlink bool
	stat    func(string) (os.FileInfo, error)
}

// NewDeviceMonitor returns nil when no serial port is configured.
func NewDeviceMonitor(cfg *config.Config, logger *slog.Logger) *DeviceMonitor {
	if cfg == nil {
		return nil
	}
	device := strings.TrimSpace(cfg.Serial.Port)
	if device == "" {
		return nil
	}
	m := &DeviceMonitor{
		logger:  logging.NewComponentLogger(logger, "device-monitor"),
		device:  device,
		changed: make(chan struct{}),
		stat:    os.Stat,
	}
	m.present = m.probe()
	return m
}

// Device returns the monitored device path.
func (m *DeviceMonitor) Device() string {
	if m == nil {
		return ""
	}
	return m.device
}

// Start begins listening for udev netlink events. Failure to open the socket
// is logged and the monitor keeps working by polling.
func (m *DeviceMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	m.quit = make(chan struct{})
	m.running = true

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; polling serial device instead",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "device attach is detected within a second instead of immediately"),
		)
		return nil
	}
	m.conn = conn
	m.netlink = true

	go m.monitorLoop(ctx, conn, m.quit)

	m.logger.Info("device monitor started",
		logging.String(logging.FieldEventType, "device_monitor_started"),
		logging.String("device", m.device),
		logging.Bool("present", m.present),
	)
	return nil
}

// Stop shuts down the netlink listener.
func (m *DeviceMonitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.netlink = false
	m.running = false
	m.logger.Info("device monitor stopped",
		logging.String(logging.FieldEventType, "device_monitor_stopped"),
	)
}

// Running reports whether the monitor has been started.
func (m *DeviceMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Present reports whether the device is attached. Without a netlink listener
// the device node is checked on every call.
func (m *DeviceMonitor) Present() bool {
	if m == nil {
		return true
	}
	m.mu.Lock()
	listening := m.netlink
	m.mu.Unlock()
	if !listening {
		m.setPresent(m.probe())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

// WaitPresent blocks until the device is attached or ctx ends.
func (m *DeviceMonitor) WaitPresent(ctx context.Context) error {
	if m == nil {
		return nil
	}
	ticker := time.NewTicker(devicePollInterval)
	defer ticker.Stop()
	for {
		if m.Present() {
			return nil
		}
		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
			// Events can be missed across netlink buffer overruns.
			m.setPresent(m.probe())
		}
	}
}

func (m *DeviceMonitor) probe() bool {
	info, err := m.stat(m.device)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func (m *DeviceMonitor) setPresent(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.present == present {
		return
	}
	m.present = present
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *DeviceMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	events := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(events, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-events:
			m.handleEvent(uevent)
		case err := <-errs:
			m.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "device attach detection may lag"),
			)
		}
	}
}

// buildMatcher matches tty add and remove events.
func buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "tty",
		},
	})
	return rules
}

func (m *DeviceMonitor) handleEvent(uevent netlink.UEvent) {
	devname := extractDeviceName(uevent)
	if devname == "" {
		return
	}
	var present bool
	switch {
	case m.matches(devname):
		present = uevent.Action == netlink.ADD
	default:
		// Symlinked ports (/dev/serial/by-id/...) only resolve once udev has
		// created the link, so re-check the node for any tty event.
		if !m.isSymlinkPath() {
			m.logger.Debug("ignoring event for non-configured device",
				logging.String("device", devname),
				logging.String("configured_device", m.device),
			)
			return
		}
		present = m.probe()
	}

	m.logger.Info("serial device event",
		logging.String(logging.FieldEventType, "device_"+string(uevent.Action)),
		logging.String("device", devname),
		logging.Bool("present", present),
	)
	m.setPresent(present)
}

func (m *DeviceMonitor) matches(devname string) bool {
	if devname == m.device {
		return true
	}
	resolved, err := filepath.EvalSymlinks(m.device)
	return err == nil && resolved == devname
}

func (m *DeviceMonitor) isSymlinkPath() bool {
	return strings.HasPrefix(m.device, "/dev/serial/")
}

// extractDeviceName gets the device path from a uevent.
func extractDeviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if !strings.HasPrefix(devname, "/") {
			devname = "/dev/" + devname
		}
		return devname
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}
