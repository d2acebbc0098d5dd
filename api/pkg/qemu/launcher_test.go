package qemu

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

func argString(cfg types.LaunchConfig) string {
	return strings.Join(BuildArgs(cfg), " ")
}

func TestBuildArgsDiskTopology(t *testing.T) {
	base := types.LaunchConfig{Mode: types.ModeInteractive, DiskImage: "hdd.qcow2"}

	t.Run("disk only", func(t *testing.T) {
		s := argString(base)
		assert.Contains(t, s, "-drive file=hdd.qcow2,media=disk,index=0")
		assert.NotContains(t, s, "media=cdrom")
	})

	t.Run("game image takes the primary optical slot", func(t *testing.T) {
		cfg := base
		cfg.GameImage = "game.iso"
		assert.Contains(t, argString(cfg), "file=game.iso,media=cdrom,index=2")
	})

	t.Run("shared image alone also gets the primary slot", func(t *testing.T) {
		cfg := base
		cfg.SharedImage = "shared.iso"
		assert.Contains(t, argString(cfg), "file=shared.iso,media=cdrom,index=2")
	})

	t.Run("both optical images", func(t *testing.T) {
		cfg := base
		cfg.GameImage = "game.iso"
		cfg.SharedImage = "shared.iso"
		s := argString(cfg)
		assert.Contains(t, s, "file=game.iso,media=cdrom,index=2")
		assert.Contains(t, s, "file=shared.iso,media=cdrom,index=3")
	})
}

func TestBuildArgsDisplay(t *testing.T) {
	base := types.LaunchConfig{Mode: types.ModeInteractive, DiskImage: "hdd.qcow2"}

	t.Run("headless", func(t *testing.T) {
		cfg := base
		cfg.Headless = true
		s := argString(cfg)
		assert.Contains(t, s, "-display none")
		assert.Contains(t, s, "-audiodev none,id=audio0")
	})

	t.Run("vnc port maps to display number", func(t *testing.T) {
		cfg := base
		cfg.VNCPort = 5901
		assert.Contains(t, argString(cfg), "-vnc :1")
	})

	t.Run("default display is sdl", func(t *testing.T) {
		assert.Contains(t, argString(base), "-display sdl")
	})

	t.Run("explicit display", func(t *testing.T) {
		cfg := base
		cfg.Display = "gtk"
		assert.Contains(t, argString(cfg), "-display gtk")
	})
}

func TestBuildArgsControlSockets(t *testing.T) {
	cfg := types.LaunchConfig{
		Mode:      types.ModeInteractive,
		DiskImage: "hdd.qcow2",
		GDBPort:   2345,
		QMPSocket: "/tmp/probe.sock",
	}
	s := argString(cfg)
	assert.Contains(t, s, "-gdb tcp::2345")
	assert.Contains(t, s, "-qmp unix:/tmp/probe.sock,server,nowait")
	assert.Contains(t, s, "-device sb16,audiodev=audio0")
}

func TestBuildArgsGDBPortDefault(t *testing.T) {
	cfg := types.LaunchConfig{Mode: types.ModeInteractive, DiskImage: "hdd.qcow2"}
	assert.Contains(t, argString(cfg), "-gdb tcp::1234")
}

func TestBuildArgsMonitorRules(t *testing.T) {
	base := types.LaunchConfig{DiskImage: "hdd.qcow2", Interactive: true}

	cfg := base
	cfg.Mode = types.ModeInteractive
	assert.Contains(t, argString(cfg), "-monitor stdio")

	cfg.Mode = types.ModeRecord
	cfg.ReplayFile = "run.rr"
	assert.Contains(t, argString(cfg), "-monitor stdio")

	cfg.Mode = types.ModeReplay
	assert.NotContains(t, argString(cfg), "-monitor stdio")

	cfg = base
	cfg.Mode = types.ModeInteractive
	cfg.Interactive = false
	assert.NotContains(t, argString(cfg), "-monitor stdio")
}

func TestBuildArgsRecordReplay(t *testing.T) {
	cfg := types.LaunchConfig{Mode: types.ModeRecord, DiskImage: "hdd.qcow2", ReplayFile: "run.rr"}
	s := argString(cfg)
	assert.Contains(t, s, "file=hdd.qcow2,media=disk,index=0,snapshot=on")
	assert.Contains(t, s, "-icount shift=auto,rr=record,rrfile=run.rr")

	cfg.Mode = types.ModeReplay
	s = argString(cfg)
	assert.Contains(t, s, "snapshot=on")
	assert.Contains(t, s, "-icount shift=auto,rr=replay,rrfile=run.rr")
}

func TestBuildArgsInitialSnapshot(t *testing.T) {
	cfg := types.LaunchConfig{Mode: types.ModeInteractive, DiskImage: "hdd.qcow2", InitialSnapshot: "boot"}
	assert.Contains(t, argString(cfg), "-loadvm boot")
}

func TestLaunchValidatesConfig(t *testing.T) {
	l := NewLauncher("/bin/true")
	_, err := l.Launch(context.Background(), types.LaunchConfig{Mode: types.ModeInteractive})
	require.Error(t, err)
	var argErr *types.ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestLaunchEarlyExit(t *testing.T) {
	l := NewLauncher("/bin/false")
	l.grace = 2 * time.Second
	_, err := l.Launch(context.Background(), types.LaunchConfig{
		Mode:      types.ModeInteractive,
		DiskImage: "hdd.qcow2",
	})
	require.Error(t, err)
	var early *EarlyExitError
	require.ErrorAs(t, err, &early)
}

func TestLaunchAndKill(t *testing.T) {
	l := NewLauncher("/bin/sleep")
	l.grace = 100 * time.Millisecond
	// sleep ignores the emulator flags but that is fine: the launcher only
	// watches for early exit.
	proc, err := l.launchRaw(context.Background(), []string{"30"})
	require.NoError(t, err)
	require.NotZero(t, proc.PID())
	require.False(t, proc.Exited())
	require.NoError(t, proc.Kill())
	require.True(t, proc.Exited())
}
