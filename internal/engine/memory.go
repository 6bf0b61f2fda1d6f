package engine

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MemoryProbe reports live free system memory. The cache queries it at
// every resolution attempt; footprints are never cached.
type MemoryProbe interface {
	FreeMemoryMB() (int, error)
}

// ProcMemoryProbe reads MemAvailable from /proc/meminfo. The file
// reader is injectable for testing.
type ProcMemoryProbe struct {
	readFile func(path string) (string, error)
}

// NewProcMemoryProbe creates a probe backed by procfs.
func NewProcMemoryProbe() *ProcMemoryProbe {
	return &ProcMemoryProbe{readFile: defaultReadFile}
}

func defaultReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

// FreeMemoryMB parses MemAvailable (falling back to MemFree + Buffers +
// Cached on older kernels) and converts to megabytes.
func (p *ProcMemoryProbe) FreeMemoryMB() (int, error) {
	content, err := p.readFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}

	fields := make(map[string]int)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		valStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "kB"))
		val, err := strconv.Atoi(strings.TrimSpace(valStr))
		if err != nil {
			continue
		}
		fields[strings.TrimSpace(parts[0])] = val
	}

	availableKB := fields["MemAvailable"]
	if availableKB == 0 {
		availableKB = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	if availableKB == 0 {
		return 0, fmt.Errorf("meminfo: no usable fields")
	}
	return availableKB / 1024, nil
}

// StaticMemoryProbe always reports the same free memory. Used in tests
// and as a fallback on platforms without procfs.
type StaticMemoryProbe struct {
	FreeMB int
}

func (p StaticMemoryProbe) FreeMemoryMB() (int, error) {
	return p.FreeMB, nil
}
