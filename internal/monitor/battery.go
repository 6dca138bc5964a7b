package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BatteryReading is one sample of the power source.
type BatteryReading struct {
	Present  bool `json:"present"`
	Level    int  `json:"level"` // percent, 0-100
	Charging bool `json:"charging"`
}

// BatterySource samples the power source.
type BatterySource interface {
	ReadBattery() (BatteryReading, error)
}

// NoBattery is the source for servers and other mains-powered hosts.
type NoBattery struct{}

// ReadBattery reports no battery.
func (NoBattery) ReadBattery() (BatteryReading, error) {
	return BatteryReading{Present: false, Level: 100, Charging: true}, nil
}

// SysfsBattery reads /sys/class/power_supply on Linux.
type SysfsBattery struct {
	// Root defaults to /sys/class/power_supply.
	Root string
}

// ReadBattery returns the first battery found under Root. Hosts without one
// report Present=false.
func (b SysfsBattery) ReadBattery() (BatteryReading, error) {
	root := b.Root
	if root == "" {
		root = "/sys/class/power_supply"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return NoBattery{}.ReadBattery()
		}
		return BatteryReading{}, fmt.Errorf("failed to list power supplies: %w", err)
	}

	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		typ, err := readTrimmed(filepath.Join(dir, "type"))
		if err != nil || !strings.EqualFold(typ, "Battery") {
			continue
		}
		capacity, err := readTrimmed(filepath.Join(dir, "capacity"))
		if err != nil {
			return BatteryReading{}, fmt.Errorf("failed to read %s capacity: %w", e.Name(), err)
		}
		level, err := strconv.Atoi(capacity)
		if err != nil {
			return BatteryReading{}, fmt.Errorf("invalid capacity %q for %s: %w", capacity, e.Name(), err)
		}
		status, _ := readTrimmed(filepath.Join(dir, "status"))
		charging := strings.EqualFold(status, "Charging") || strings.EqualFold(status, "Full")
		return BatteryReading{Present: true, Level: clampPercent(level), Charging: charging}, nil
	}
	return NoBattery{}.ReadBattery()
}

func readTrimmed(path string) (string, error) {
	// #nosec G304 - sysfs path built from a directory listing
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func clampPercent(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
