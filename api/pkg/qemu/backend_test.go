package qemu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/gdb"
	"github.com/dosprobe/dosprobe/api/pkg/qmp"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

func TestParseSnapshotList(t *testing.T) {
	text := "List of snapshots present on all disks:\n" +
		"ID        TAG                 VM SIZE                DATE       VM CLOCK\n" +
		"--        boot                   24 MiB 2026-08-01 10:00:00   00:00:12.345\n" +
		"--        level2                 24 MiB 2026-08-01 10:05:00   00:04:01.000\n"
	snaps := parseSnapshotList(text)
	require.Len(t, snaps, 2)
	assert.Equal(t, "boot", snaps[0].Name)
	assert.Equal(t, "level2", snaps[1].Name)
	assert.Equal(t, types.BackendQEMU, snaps[0].Backend)
}

func TestParseSnapshotListLegacyIDColumn(t *testing.T) {
	// Older monitors print a numeric ID first; the first field is still the
	// stable identifier.
	text := "List of snapshots present on all disks:\n" +
		"ID        TAG                 VM SIZE\n" +
		"1         boot                   24 MiB\n"
	snaps := parseSnapshotList(text)
	require.Len(t, snaps, 1)
	assert.Equal(t, "1", snaps[0].Name)
}

func TestParseSnapshotListEmpty(t *testing.T) {
	assert.Empty(t, parseSnapshotList("No snapshots available\n"))
	assert.Empty(t, parseSnapshotList(""))
}

func TestBackendDisconnectedState(t *testing.T) {
	b := New(Config{Binary: "qemu-system-i386", QMPSocket: "/tmp/x.sock"})

	info := b.Status()
	assert.Equal(t, types.BackendQEMU, info.Backend)
	assert.Equal(t, types.StatusDisconnected, info.Status)
	assert.False(t, info.ControlConnected)
	assert.False(t, info.DebugConnected)

	ctx := context.Background()
	_, err := b.ReadMemory(ctx, types.NewAddress(0x1234, 0), 16)
	var connErr *types.ConnectionError
	require.ErrorAs(t, err, &connErr)

	_, err = b.ReadRegisters(ctx)
	require.ErrorAs(t, err, &connErr)

	err = b.Pause(ctx)
	require.ErrorAs(t, err, &connErr)
}

func TestBackendDefaults(t *testing.T) {
	b := New(Config{Binary: "qemu-system-i386"})
	assert.Equal(t, "localhost", b.cfg.GDBHost)
	assert.Equal(t, types.DefaultGDBPort, b.cfg.GDBPort)
	assert.Equal(t, types.BackendQEMU, b.Kind())
}

func TestBackendSupportsEverything(t *testing.T) {
	b := New(Config{Binary: "qemu-system-i386"})
	for _, op := range []backend.Operation{backend.OpReadMemory, backend.OpWriteMemory, backend.OpBreakpoints, backend.OpCapture} {
		assert.True(t, b.Supports(op))
	}
}

func TestListBreakpointsEmptyWithoutConnection(t *testing.T) {
	b := New(Config{Binary: "qemu-system-i386"})
	bps, err := b.ListBreakpoints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bps)
}

func TestWaitForStopConsumesHitBeforeSubscription(t *testing.T) {
	b := New(Config{Binary: "qemu-system-i386"})
	b.gdb = &gdb.Client{}
	addr := types.NewAddress(0x1234, 0x0100)
	b.breakpoints["bp-1"] = &types.Breakpoint{ID: "bp-1", Kind: types.BreakpointExecution, Address: &addr, Enabled: true}

	// The watcher caught the stop before anyone was waiting.
	payload := "T05swbreak:;"
	b.lastStop = &payload

	got, err := b.WaitForStop(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Consumed: a second wait times out instead of replaying the stop.
	_, err = b.WaitForStop(context.Background(), 20*time.Millisecond)
	var timeoutErr *types.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestLoadSnapshotFailureRestoresPriorStatus(t *testing.T) {
	b := New(Config{Binary: "qemu-system-i386"})
	b.qmp = &qmp.Client{}
	b.gdb = &gdb.Client{}
	b.status = types.StatusPaused

	err := b.LoadSnapshot(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, types.StatusPaused, b.Status().Status)
}
