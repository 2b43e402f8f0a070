// Package device reports host network and power conditions that gate
// background transfers. On Linux it reads sysfs; an override string from
// configuration takes precedence so headless hosts and tests can pin a value.
package device

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Network overrides accepted by NewConnectivity.
const (
	NetworkAuto     = ""
	NetworkWifi     = "wifi"
	NetworkCellular = "cellular"
	NetworkNone     = "none"
)

// LowBatteryPercent is the charge at or below which a discharging battery
// counts as low.
const LowBatteryPercent = 20

// Connectivity answers reachability questions about the host's interfaces.
type Connectivity struct {
	sysRoot  string
	override string
	logger   *slog.Logger
}

// NewConnectivity returns an oracle reading /sys/class/net. override is one
// of the Network constants.
func NewConnectivity(override string, logger *slog.Logger) *Connectivity {
	return &Connectivity{
		sysRoot:  "/sys/class/net",
		override: strings.ToLower(override),
		logger:   logger.With("component", "connectivity"),
	}
}

// IsReachable reports whether any non-loopback interface is up.
func (c *Connectivity) IsReachable() bool {
	switch c.override {
	case NetworkWifi, NetworkCellular:
		return true
	case NetworkNone:
		return false
	}
	ifaces, err := c.interfaces()
	if err != nil {
		// Without sysfs assume a wired server.
		return true
	}
	for _, i := range ifaces {
		if i.up {
			return true
		}
	}
	return false
}

// IsReachableViaWifi reports whether the host is online over an unmetered
// link. Wired interfaces count as unmetered.
func (c *Connectivity) IsReachableViaWifi() bool {
	switch c.override {
	case NetworkWifi:
		return true
	case NetworkCellular, NetworkNone:
		return false
	}
	ifaces, err := c.interfaces()
	if err != nil {
		return true
	}
	for _, i := range ifaces {
		if i.up && !i.metered {
			return true
		}
	}
	return false
}

type iface struct {
	name    string
	up      bool
	metered bool
}

func (c *Connectivity) interfaces() ([]iface, error) {
	entries, err := os.ReadDir(c.sysRoot)
	if err != nil {
		return nil, err
	}
	var out []iface
	for _, e := range entries {
		name := e.Name()
		if name == "lo" {
			continue
		}
		dir := filepath.Join(c.sysRoot, name)
		state := readTrimmed(filepath.Join(dir, "operstate"))
		out = append(out, iface{
			name: name,
			up:   state == "up",
			// WWAN modems are cellular; everything else is treated as unmetered.
			metered: strings.HasPrefix(name, "wwan") || strings.HasPrefix(name, "rmnet"),
		})
	}
	if len(out) == 0 {
		return nil, errors.New("no network interfaces")
	}
	return out, nil
}

// Power answers questions about the host battery.
type Power struct {
	sysRoot  string
	override string
	logger   *slog.Logger
}

// Power overrides accepted by NewPower.
const (
	PowerAuto = ""
	PowerAC   = "ac"
	PowerLow  = "low"
)

// NewPower returns an oracle reading /sys/class/power_supply.
func NewPower(override string, logger *slog.Logger) *Power {
	return &Power{
		sysRoot:  "/sys/class/power_supply",
		override: strings.ToLower(override),
		logger:   logger.With("component", "power"),
	}
}

// BatteryLow reports whether a discharging battery is at or below
// LowBatteryPercent. Hosts without a battery never report low.
func (p *Power) BatteryLow() bool {
	switch p.override {
	case PowerAC:
		return false
	case PowerLow:
		return true
	}
	entries, err := os.ReadDir(p.sysRoot)
	if err != nil {
		return false
	}
	for _, e := range entries {
		dir := filepath.Join(p.sysRoot, e.Name())
		if readTrimmed(filepath.Join(dir, "type")) != "Battery" {
			continue
		}
		if readTrimmed(filepath.Join(dir, "status")) != "Discharging" {
			continue
		}
		capacity, err := strconv.Atoi(readTrimmed(filepath.Join(dir, "capacity")))
		if err != nil {
			p.logger.Debug("unreadable battery capacity", "supply", e.Name(), "error", err)
			continue
		}
		if capacity <= LowBatteryPercent {
			return true
		}
	}
	return false
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
