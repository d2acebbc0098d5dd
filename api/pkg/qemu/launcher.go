// Package qemu implements the socket-based backend: a launched (or adopted)
// emulator child controlled over QMP and the GDB remote-debug stub.
package qemu

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// startGracePeriod is how long the launcher watches a fresh child for an
// immediate exit before declaring the spawn successful.
const startGracePeriod = 500 * time.Millisecond

// EarlyExitError reports a child that died during the launch grace period,
// carrying whatever it wrote to stderr.
type EarlyExitError struct {
	Stderr string
	Err    error
}

func (e *EarlyExitError) Error() string {
	msg := "emulator exited during startup"
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s\nstderr:\n%s", msg, e.Stderr)
	}
	return msg
}

func (e *EarlyExitError) Unwrap() error { return e.Err }

// Launcher spawns emulator children from typed launch configurations.
type Launcher struct {
	binary string
	grace  time.Duration
}

// NewLauncher returns a launcher for the given emulator binary.
func NewLauncher(binary string) *Launcher {
	return &Launcher{binary: binary, grace: startGracePeriod}
}

// BuildArgs assembles the emulator argument vector. Pure: no side effects,
// fully covered by tests.
func BuildArgs(cfg types.LaunchConfig) []string {
	var args []string

	// One hard disk, always. Record/replay runs discard writes so the
	// replay starts from pristine disk contents.
	disk := fmt.Sprintf("file=%s,media=disk,index=0", cfg.DiskImage)
	if cfg.Mode == types.ModeRecord || cfg.Mode == types.ModeReplay {
		disk += ",snapshot=on"
	}
	args = append(args, "-drive", disk)

	// Up to two optical drives. The game image wins the primary slot when
	// both are present.
	switch {
	case cfg.GameImage != "" && cfg.SharedImage != "":
		args = append(args,
			"-drive", fmt.Sprintf("file=%s,media=cdrom,index=2", cfg.GameImage),
			"-drive", fmt.Sprintf("file=%s,media=cdrom,index=3", cfg.SharedImage),
		)
	case cfg.GameImage != "":
		args = append(args, "-drive", fmt.Sprintf("file=%s,media=cdrom,index=2", cfg.GameImage))
	case cfg.SharedImage != "":
		args = append(args, "-drive", fmt.Sprintf("file=%s,media=cdrom,index=2", cfg.SharedImage))
	}

	// Display surface.
	if cfg.Headless {
		args = append(args, "-display", "none")
	}
	if cfg.VNCPort > 0 {
		args = append(args, "-vnc", fmt.Sprintf(":%d", cfg.VNCPort-5900))
	} else if !cfg.Headless {
		display := cfg.Display
		if display == "" {
			display = "sdl"
		}
		args = append(args, "-display", display)
	}

	// Sound Blaster 16 is always attached; headless runs discard audio.
	if cfg.Headless {
		args = append(args, "-audiodev", "none,id=audio0")
	} else {
		args = append(args, "-audiodev", fmt.Sprintf("%s,id=audio0", hostAudioBackend()))
	}
	args = append(args, "-device", "sb16,audiodev=audio0")

	// Remote-debug stub, always on.
	gdbPort := cfg.GDBPort
	if gdbPort == 0 {
		gdbPort = types.DefaultGDBPort
	}
	args = append(args, "-gdb", fmt.Sprintf("tcp::%d", gdbPort))

	// Machine-control socket, when configured.
	if cfg.QMPSocket != "" {
		args = append(args, "-qmp", fmt.Sprintf("unix:%s,server,nowait", cfg.QMPSocket))
	}

	// Human monitor on stdio only for interactive sessions that want it.
	if cfg.Interactive && (cfg.Mode == types.ModeInteractive || cfg.Mode == types.ModeRecord) {
		args = append(args, "-monitor", "stdio")
	}

	switch cfg.Mode {
	case types.ModeRecord:
		args = append(args, "-icount", fmt.Sprintf("shift=auto,rr=record,rrfile=%s", cfg.ReplayFile))
	case types.ModeReplay:
		args = append(args, "-icount", fmt.Sprintf("shift=auto,rr=replay,rrfile=%s", cfg.ReplayFile))
	}

	if cfg.InitialSnapshot != "" {
		args = append(args, "-loadvm", cfg.InitialSnapshot)
	}

	return args
}

func hostAudioBackend() string {
	switch runtime.GOOS {
	case "darwin":
		return "coreaudio"
	case "linux":
		return "pa"
	default:
		return "sdl"
	}
}

// Process is one running emulator child.
type Process struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	mu      sync.Mutex
	done    chan struct{}
	waitErr error
}

// Launch validates the config, spawns the child, and fails with an
// EarlyExitError if it dies within the grace period.
func (l *Launcher) Launch(ctx context.Context, cfg types.LaunchConfig) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return l.launchRaw(ctx, BuildArgs(cfg))
}

func (l *Launcher) launchRaw(ctx context.Context, args []string) (*Process, error) {
	cmd := exec.Command(l.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Info().Str("binary", l.binary).Strs("args", args).Msg("launching emulator")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", l.binary, err)
	}

	p := &Process{
		cmd:    cmd,
		stderr: &stderr,
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	select {
	case <-p.done:
		p.mu.Lock()
		waitErr := p.waitErr
		p.mu.Unlock()
		return nil, &EarlyExitError{Stderr: stderr.String(), Err: waitErr}
	case <-time.After(l.grace):
	case <-ctx.Done():
		_ = p.Kill()
		return nil, ctx.Err()
	}

	log.Info().Int("pid", p.PID()).Msg("emulator started")
	return p, nil
}

// PID returns the child's process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited reports whether the child has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits or ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill terminates the child and reaps it.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !p.Exited() {
		return err
	}
	<-p.done
	return nil
}
