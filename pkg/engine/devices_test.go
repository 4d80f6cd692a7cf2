package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/court-ocr-jobs/pkg/command"
	"github.com/jdziat/court-ocr-jobs/pkg/core"
)

func nvidiaSMI(out string) command.HandlerFunc {
	return func(ctx context.Context, args []string) ([]byte, []byte, error) {
		return []byte(out), nil, nil
	}
}

func TestQueryDevices(t *testing.T) {
	fake := command.NewFakeRunner().Handle("nvidia-smi", nvidiaSMI("0, 24576, 20480, 1980\n1, 81920, 40960, 1410\n"))

	devs, err := QueryDevices(context.Background(), fake)
	require.NoError(t, err)
	assert.Equal(t, []Device{
		{Index: 0, TotalMB: 24576, FreeMB: 20480, MaxSMMHz: 1980},
		{Index: 1, TotalMB: 81920, FreeMB: 40960, MaxSMMHz: 1410},
	}, devs)
	assert.Equal(t, "--query-gpu=index,memory.total,memory.free,clocks.max.sm", fake.Calls("nvidia-smi")[0][0])
}

func TestParseDevices_NotAvailableClock(t *testing.T) {
	devs, err := parseDevices("0, 16384, 8000, [N/A]\n")
	require.NoError(t, err)
	assert.Equal(t, []Device{{Index: 0, TotalMB: 16384, FreeMB: 8000}}, devs)
}

func TestParseDevices_Malformed(t *testing.T) {
	_, err := parseDevices("garbage\n")
	assert.Error(t, err)

	_, err = parseDevices("0, 8000, 1500\n")
	assert.Error(t, err, "memory.total column missing")

	_, err = parseDevices("x, 100, 100, 100\n")
	assert.Error(t, err)
}

func TestPickDevice(t *testing.T) {
	tests := []struct {
		name    string
		devs    []Device
		minFree int
		want    int
	}{
		{
			name: "most free memory wins",
			devs: []Device{{Index: 0, FreeMB: 10240, MaxSMMHz: 2000}, {Index: 1, FreeMB: 30720, MaxSMMHz: 1000}},
			want: 1,
		},
		{
			name: "clock breaks a tie within the same GiB",
			devs: []Device{{Index: 0, FreeMB: 20500, MaxSMMHz: 1400}, {Index: 1, FreeMB: 20900, MaxSMMHz: 1980}},
			want: 1,
		},
		{
			name:    "devices under the threshold are skipped",
			devs:    []Device{{Index: 0, FreeMB: 40000, MaxSMMHz: 1000}, {Index: 1, FreeMB: 15000, MaxSMMHz: 3000}},
			minFree: 16384,
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PickDevice(tt.devs, tt.minFree)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Index)
		})
	}
}

func TestPickDevice_NoneQualifies(t *testing.T) {
	_, err := PickDevice([]Device{{Index: 0, FreeMB: 1000, MaxSMMHz: 1000}}, 16384)
	assert.ErrorIs(t, err, core.ErrNoDevice)

	_, err = PickDevice(nil, 0)
	assert.ErrorIs(t, err, core.ErrNoDevice)
}

func TestSmallestTotalMB(t *testing.T) {
	assert.Equal(t, 0, smallestTotalMB(nil))
	assert.Equal(t, 24576, smallestTotalMB([]Device{{Index: 0, TotalMB: 81920}, {Index: 1, TotalMB: 24576}, {Index: 2}}))
}
