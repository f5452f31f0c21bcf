// Package health gathers system metrics and publishes the robot heartbeat.
package health

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
)

const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// Metrics is one sample of the host's resources.
type Metrics struct {
	CPUPercent  float64
	RAMPercent  float64
	RAMUsedMB   int64
	RAMTotalMB  int64
	TempCelsius float64 // 0 if unavailable
}

// Collector samples CPU, memory and temperature.
type Collector struct {
	cpuSample   time.Duration
	thermalPath string
	logger      *log.Logger
}

// NewCollector creates a collector measuring CPU usage over cpuSample.
func NewCollector(cpuSample time.Duration) *Collector {
	if cpuSample <= 0 {
		cpuSample = 200 * time.Millisecond
	}
	return &Collector{
		cpuSample:   cpuSample,
		thermalPath: thermalZonePath,
		logger:      log.Default(),
	}
}

// Collect gathers current metrics. Individual failures are logged and leave the field at zero.
func (c *Collector) Collect(ctx context.Context) Metrics {
	var m Metrics

	cpuPercent, err := cpu.PercentWithContext(ctx, c.cpuSample, false)
	if err != nil {
		c.logger.Printf("WARN: Failed to collect CPU metrics: %v", err)
	} else if len(cpuPercent) > 0 {
		m.CPUPercent = cpuPercent[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Printf("WARN: Failed to collect memory metrics: %v", err)
	} else {
		m.RAMPercent = vmem.UsedPercent
		m.RAMUsedMB = int64(vmem.Used / 1024 / 1024)
		m.RAMTotalMB = int64(vmem.Total / 1024 / 1024)
	}

	m.TempCelsius = c.temperature(ctx)
	return m
}

// temperature tries gopsutil sensors first, then the thermal zone file of a Raspberry Pi.
func (c *Collector) temperature(ctx context.Context) float64 {
	temps, err := sensors.TemperaturesWithContext(ctx)
	if err == nil {
		for _, t := range temps {
			key := strings.ToLower(t.SensorKey)
			if key == "cpu_thermal" || key == "cpu-thermal" ||
				strings.Contains(key, "coretemp") || strings.Contains(key, "k10temp") {
				return t.Temperature
			}
		}
	}

	return readThermalZone(c.thermalPath)
}

// readThermalZone parses a millidegree reading. It returns 0 when the file is missing or malformed.
func readThermalZone(path string) float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0
	}
	return milli / 1000.0
}
