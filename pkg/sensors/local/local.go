// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package local implements the in-host sensor provider. It reads hardware
// monitoring channels from the kernel hwmon subsystem (/sys/class/hwmon) and
// supplements them with CPU utilization and memory readings via gopsutil.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/antimetal/sentinel/pkg/sensors"
)

const SourceName = "local"

func init() {
	sensors.Register(SourceName, func(logger logr.Logger, config sensors.Config) (sensors.Source, error) {
		return New(logger, config)
	})
}

// Source reads local hardware sensors. A subset of channels being unreadable
// is a partial success; only a fully inaccessible hwmon tree fails the call.
type Source struct {
	logger    logr.Logger
	hwmonPath string

	// collectHostStats is swapped out in tests
	collectHostStats func(ctx context.Context) []sensors.RawReading
}

// New creates the local provider rooted at config.HwmonPath.
func New(logger logr.Logger, config sensors.Config) (*Source, error) {
	config.ApplyDefaults()
	if !filepath.IsAbs(config.HwmonPath) {
		return nil, fmt.Errorf("hwmon path must be an absolute path, got: %q", config.HwmonPath)
	}

	s := &Source{
		logger:    logger.WithName(SourceName),
		hwmonPath: config.HwmonPath,
	}
	s.collectHostStats = s.hostStats
	return s, nil
}

func (s *Source) Name() string { return SourceName }

// Sample reads every hwmon chip once and appends host utilization readings.
func (s *Source) Sample(ctx context.Context) ([]sensors.RawReading, error) {
	entries, err := os.ReadDir(s.hwmonPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", sensors.ErrSourceUnavailable, s.hwmonPath, err)
	}

	var readings []sensors.RawReading
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", sensors.ErrSampleTimeout, err)
		}

		chipDir := filepath.Join(s.hwmonPath, entry.Name())
		chip, err := readChipName(chipDir)
		if err != nil {
			// Chip without a name file; skip rather than fail the sample.
			s.logger.V(1).Info("skipping hwmon entry", "entry", entry.Name(), "error", err.Error())
			continue
		}
		readings = append(readings, s.readChip(chipDir, chip)...)
	}

	readings = append(readings, s.collectHostStats(ctx)...)
	return readings, nil
}

// readChip scans one hwmon chip directory for temp*, fan* and power* inputs.
// Individual unreadable channels are omitted.
func (s *Source) readChip(chipDir, chip string) []sensors.RawReading {
	entries, err := os.ReadDir(chipDir)
	if err != nil {
		s.logger.V(1).Info("failed to read chip directory", "chip", chip, "error", err.Error())
		return nil
	}

	var readings []sensors.RawReading
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, "_input") {
			continue
		}
		channel := strings.TrimSuffix(name, "_input")

		kind, scale, ok := channelKind(channel)
		if !ok {
			continue
		}

		raw, err := readValueFile(filepath.Join(chipDir, name))
		if err != nil {
			// Sensor present but not currently readable; partial success.
			s.logger.V(1).Info("skipping unreadable channel",
				"chip", chip, "channel", channel, "error", err.Error())
			continue
		}

		readings = append(readings, sensors.RawReading{
			Chip:    chip,
			Channel: channel,
			Label:   readLabel(chipDir, channel),
			Value:   raw / scale,
			Kind:    kind,
		})
	}
	return readings
}

// hostStats collects CPU utilization and memory usage via gopsutil.
// Failures here degrade to fewer readings, never to a failed sample.
func (s *Source) hostStats(ctx context.Context) []sensors.RawReading {
	var readings []sensors.RawReading

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		readings = append(readings, sensors.RawReading{
			Chip:    "cpu",
			Channel: "utilization",
			Label:   "CPU utilization",
			Value:   percents[0],
			Kind:    sensors.KindUtilization,
		})
	} else if err != nil {
		s.logger.V(1).Info("cpu utilization unavailable", "error", err.Error())
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		readings = append(readings, sensors.RawReading{
			Chip:    "memory",
			Channel: "used_percent",
			Label:   "Memory used",
			Value:   vm.UsedPercent,
			Kind:    sensors.KindUtilization,
		})
	} else {
		s.logger.V(1).Info("memory stats unavailable", "error", err.Error())
	}

	return readings
}

// channelKind maps an hwmon channel prefix to a reading kind and the divisor
// converting the kernel's integer representation to the canonical unit
// (millidegrees to degrees, microwatts to watts, RPM as-is).
func channelKind(channel string) (sensors.Kind, float64, bool) {
	switch {
	case strings.HasPrefix(channel, "temp"):
		return sensors.KindTemperature, 1000, true
	case strings.HasPrefix(channel, "fan"):
		return sensors.KindFan, 1, true
	case strings.HasPrefix(channel, "power"):
		return sensors.KindPower, 1e6, true
	}
	return "", 0, false
}

func readChipName(chipDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(chipDir, "name"))
	if err != nil {
		return "", fmt.Errorf("failed to read chip name: %w", err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf("empty chip name in %s", chipDir)
	}
	return name, nil
}

func readLabel(chipDir, channel string) string {
	data, err := os.ReadFile(filepath.Join(chipDir, channel+"_label"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readValueFile(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return value, nil
}

// Compile-time check
var _ sensors.Source = (*Source)(nil)
