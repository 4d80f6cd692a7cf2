package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jdziat/court-ocr-jobs/pkg/command"
	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

// Device is one accelerator as reported by nvidia-smi.
type Device struct {
	Index    int
	TotalMB  int
	FreeMB   int
	MaxSMMHz int
}

// QueryDevices lists accelerators with their memory and peak SM clock.
func QueryDevices(ctx context.Context, runner command.Runner) ([]Device, error) {
	out, _, err := runner.Run(ctx, "nvidia-smi",
		"--query-gpu=index,memory.total,memory.free,clocks.max.sm",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseDevices(string(out))
}

func parseDevices(out string) ([]Device, error) {
	var devs []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			return nil, fmt.Errorf("nvidia-smi: unexpected line %q", line)
		}
		var vals [4]int
		for i := range vals {
			v := strings.TrimSpace(fields[i])
			n, err := strconv.Atoi(v)
			if err != nil {
				// Clocks read "[N/A]" on some boards.
				if i == 3 {
					continue
				}
				return nil, fmt.Errorf("nvidia-smi: field %d of %q: %w", i, line, err)
			}
			vals[i] = n
		}
		devs = append(devs, Device{Index: vals[0], TotalMB: vals[1], FreeMB: vals[2], MaxSMMHz: vals[3]})
	}
	return devs, nil
}

// PickDevice returns the device with the most free memory among those with
// at least minFreeMB free. Free memory is compared in whole GiB so that the
// SM clock decides between devices with practically equal headroom.
func PickDevice(devs []Device, minFreeMB int) (Device, error) {
	var ok []Device
	for _, d := range devs {
		if d.FreeMB >= minFreeMB {
			ok = append(ok, d)
		}
	}
	if len(ok) == 0 {
		return Device{}, fmt.Errorf("%w: none of %d devices has %d MiB free", core.ErrNoDevice, len(devs), minFreeMB)
	}
	sort.SliceStable(ok, func(i, j int) bool {
		gi, gj := ok[i].FreeMB/1024, ok[j].FreeMB/1024
		if gi != gj {
			return gi > gj
		}
		return ok[i].MaxSMMHz > ok[j].MaxSMMHz
	})
	return ok[0], nil
}

// smallestTotalMB is the memory of the smallest device, or 0 when unknown.
func smallestTotalMB(devs []Device) int {
	least := 0
	for _, d := range devs {
		if d.TotalMB > 0 && (least == 0 || d.TotalMB < least) {
			least = d.TotalMB
		}
	}
	return least
}
