package qemu

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/gdb"
	"github.com/dosprobe/dosprobe/api/pkg/qmp"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

const (
	// connectAttempts x connectDelay bounds the post-launch poll-connect.
	connectAttempts = 20
	connectDelay    = 500 * time.Millisecond

	// pauseStopTimeout bounds the stop packet after a break byte.
	pauseStopTimeout = 5 * time.Second

	// stopPollWindow is the per-iteration receive window of the background
	// stop watcher. Between windows the GDB connection is free for other
	// commands.
	stopPollWindow = 500 * time.Millisecond

	defaultKeyDelay = 150 * time.Millisecond
)

// Config carries the resolved paths the backend needs beyond the launch
// configuration.
type Config struct {
	Binary    string
	GDBHost   string
	GDBPort   int
	QMPSocket string
	// TempDir holds throwaway screendump files; empty means the OS default.
	TempDir string
}

// Backend is the socket-based emulator backend: QMP for machine control, the
// GDB stub for memory, registers, breakpoints and execution control.
type Backend struct {
	cfg      Config
	launcher *Launcher
	exec     *backend.Executor
	events   *backend.Emitter

	mu          sync.Mutex
	status      types.BackendStatus
	proc        *Process // nil when attached to a process we do not own
	qmp         *qmp.Client
	gdb         *gdb.Client
	breakpoints map[string]*types.Breakpoint
	watchGen    int
	pendingStop *string
	// lastStop holds a breakpoint hit caught by the live watcher until a
	// WaitForStop consumes it, so a hit that lands before the wait
	// subscribes is not lost.
	lastStop *string
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.StopWaiter = (*Backend)(nil)

// New returns a disconnected qemu backend.
func New(cfg Config) *Backend {
	if cfg.GDBHost == "" {
		cfg.GDBHost = "localhost"
	}
	if cfg.GDBPort == 0 {
		cfg.GDBPort = types.DefaultGDBPort
	}
	return &Backend{
		cfg:         cfg,
		launcher:    NewLauncher(cfg.Binary),
		exec:        backend.NewExecutor(),
		events:      backend.NewEmitter(),
		status:      types.StatusDisconnected,
		breakpoints: make(map[string]*types.Breakpoint),
	}
}

func (b *Backend) Kind() types.BackendKind { return types.BackendQEMU }

func (b *Backend) Events() *backend.Emitter { return b.events }

func (b *Backend) Supports(backend.Operation) bool { return true }

// Status reports the lifecycle state plus per-transport liveness.
func (b *Backend) Status() types.StatusInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := types.StatusInfo{
		Backend: types.BackendQEMU,
		Status:  b.status,
	}
	if b.proc != nil {
		info.PID = b.proc.PID()
	}
	if b.qmp != nil {
		info.ControlConnected = b.qmp.Connected()
	}
	if b.gdb != nil {
		info.DebugConnected = b.gdb.Connected()
	}
	return info
}

func (b *Backend) setStatus(status types.BackendStatus) {
	b.mu.Lock()
	changed := b.status != status
	b.status = status
	b.mu.Unlock()
	if changed {
		info := b.Status()
		b.events.Emit(backend.Event{Kind: backend.EventStatus, Status: &info})
	}
}

// Launch spawns an emulator child and poll-connects both protocol clients.
// The backend only reaches StatusRunning with both transports up; a partial
// connect tears down whatever came up and reports StatusError.
func (b *Backend) Launch(ctx context.Context, cfg types.LaunchConfig) error {
	if cfg.GDBPort == 0 {
		cfg.GDBPort = b.cfg.GDBPort
	}
	if cfg.QMPSocket == "" {
		cfg.QMPSocket = b.cfg.QMPSocket
	}

	b.setStatus(types.StatusLaunching)

	proc, err := b.launcher.Launch(ctx, cfg)
	if err != nil {
		b.setStatus(types.StatusError)
		return err
	}

	if err := b.connectClients(ctx, cfg.QMPSocket, cfg.GDBPort, true); err != nil {
		_ = proc.Kill()
		b.setStatus(types.StatusError)
		return err
	}

	b.mu.Lock()
	b.proc = proc
	b.mu.Unlock()
	b.setStatus(types.StatusRunning)
	return nil
}

// Connect attaches to an emulator someone else started. The child is not
// owned: Shutdown will not reap it.
func (b *Backend) Connect(ctx context.Context) error {
	if err := b.connectClients(ctx, b.cfg.QMPSocket, b.cfg.GDBPort, false); err != nil {
		b.setStatus(types.StatusError)
		return err
	}
	b.setStatus(types.StatusRunning)
	return nil
}

func (b *Backend) connectClients(ctx context.Context, qmpSocket string, gdbPort int, withRetry bool) error {
	attempt := func() error {
		qmpClient := qmp.NewClient(qmpSocket)
		if err := qmpClient.Connect(ctx); err != nil {
			return err
		}
		gdbClient := gdb.NewClient(b.cfg.GDBHost, gdbPort)
		if err := gdbClient.Connect(ctx); err != nil {
			// Fully connected or fully disconnected; never half-open.
			_ = qmpClient.Close()
			return err
		}
		b.mu.Lock()
		b.qmp = qmpClient
		b.gdb = gdbClient
		b.mu.Unlock()
		return nil
	}

	if !withRetry {
		return attempt()
	}
	return retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// Disconnect closes both clients but leaves the child running.
func (b *Backend) Disconnect(_ context.Context) error {
	b.mu.Lock()
	b.watchGen++
	qmpClient, gdbClient := b.qmp, b.gdb
	b.qmp, b.gdb = nil, nil
	b.mu.Unlock()

	if qmpClient != nil {
		_ = qmpClient.Close()
	}
	if gdbClient != nil {
		_ = gdbClient.Close()
	}
	b.setStatus(types.StatusDisconnected)
	return nil
}

// Shutdown quits the emulator (best effort), disconnects, and kills the
// child if this backend owns one.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	qmpClient := b.qmp
	proc := b.proc
	b.proc = nil
	b.mu.Unlock()

	if qmpClient != nil {
		quitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := qmpClient.Quit(quitCtx); err != nil {
			log.Debug().Err(err).Msg("qmp quit failed, will kill the child")
		}
		cancel()
	}
	_ = b.Disconnect(ctx)

	if proc != nil {
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("kill emulator: %w", err)
		}
	}
	return nil
}

func (b *Backend) clients() (*qmp.Client, *gdb.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.qmp == nil || b.gdb == nil {
		return nil, nil, &types.ConnectionError{Op: "qemu backend", Err: fmt.Errorf("not connected")}
	}
	return b.qmp, b.gdb, nil
}

// pmemSaveThreshold is the read size above which memory is dumped through
// the monitor's pmemsave instead of chunked debug-stub packets. A framebuffer
// read clears it, a register-sized peek does not.
const pmemSaveThreshold = 32 << 10

func (b *Backend) ReadMemory(ctx context.Context, addr types.Address, size int) ([]byte, error) {
	var data []byte
	err := b.exec.Do(ctx, func() error {
		qmpClient, gdbClient, err := b.clients()
		if err != nil {
			return err
		}
		if size >= pmemSaveThreshold {
			data, err = b.dumpPhysical(ctx, qmpClient, addr.Linear(), size)
			if err == nil {
				return nil
			}
			log.Warn().Err(err).
				Int("size", size).
				Msg("pmemsave dump failed, falling back to debug stub read")
		}
		data, err = gdbClient.ReadMemory(ctx, addr.Linear(), size)
		return err
	})
	return data, err
}

// dumpPhysical round-trips one pmemsave through a temp file.
func (b *Backend) dumpPhysical(ctx context.Context, qmpClient *qmp.Client, addr uint32, size int) ([]byte, error) {
	tmp, err := os.CreateTemp(b.cfg.TempDir, "dosprobe-pmem-*.bin")
	if err != nil {
		return nil, err
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(path)

	if err := qmpClient.PmemSave(ctx, addr, size, path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, &types.ProtocolError{
			Op:   "pmemsave",
			Desc: fmt.Sprintf("dump file holds %d bytes, wanted %d", len(data), size),
		}
	}
	return data, nil
}

func (b *Backend) WriteMemory(ctx context.Context, addr types.Address, data []byte) error {
	return b.exec.Do(ctx, func() error {
		_, gdbClient, err := b.clients()
		if err != nil {
			return err
		}
		return gdbClient.WriteMemory(ctx, addr.Linear(), data)
	})
}

func (b *Backend) ReadRegisters(ctx context.Context) (types.Registers, error) {
	var regs types.Registers
	err := b.exec.Do(ctx, func() error {
		_, gdbClient, err := b.clients()
		if err != nil {
			return err
		}
		regs, err = gdbClient.ReadRegisters(ctx)
		return err
	})
	return regs, err
}

// SetBreakpoint plants an execution breakpoint and issues its handle. The
// local table mirrors the stub's registrations exactly.
func (b *Backend) SetBreakpoint(ctx context.Context, addr types.Address) (*types.Breakpoint, error) {
	var bp *types.Breakpoint
	err := b.exec.Do(ctx, func() error {
		_, gdbClient, err := b.clients()
		if err != nil {
			return err
		}
		if err := gdbClient.SetBreakpoint(ctx, addr.Linear()); err != nil {
			return err
		}
		a := addr
		bp = &types.Breakpoint{
			ID:      uuid.NewString(),
			Kind:    types.BreakpointExecution,
			Address: &a,
			Enabled: true,
		}
		b.mu.Lock()
		b.breakpoints[bp.ID] = bp
		b.mu.Unlock()
		return nil
	})
	return bp, err
}

func (b *Backend) RemoveBreakpoint(ctx context.Context, id string) error {
	return b.exec.Do(ctx, func() error {
		_, gdbClient, err := b.clients()
		if err != nil {
			return err
		}
		b.mu.Lock()
		bp, ok := b.breakpoints[id]
		b.mu.Unlock()
		if !ok {
			return &types.ArgumentError{Field: "id", Reason: "unknown breakpoint " + id}
		}
		if err := gdbClient.RemoveBreakpoint(ctx, bp.Address.Linear()); err != nil {
			return err
		}
		b.mu.Lock()
		delete(b.breakpoints, id)
		b.mu.Unlock()
		return nil
	})
}

func (b *Backend) ListBreakpoints(_ context.Context) ([]*types.Breakpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Breakpoint, 0, len(b.breakpoints))
	for _, bp := range b.breakpoints {
		out = append(out, bp)
	}
	return out, nil
}

// Pause interrupts the guest and waits for the stop acknowledgement.
func (b *Backend) Pause(ctx context.Context) error {
	err := b.exec.Do(ctx, func() error {
		_, gdbClient, err := b.clients()
		if err != nil {
			return err
		}
		b.cancelStopWatcher()

		// The watcher may already have consumed the stop packet.
		b.mu.Lock()
		alreadyStopped := b.pendingStop != nil
		b.pendingStop = nil
		b.mu.Unlock()
		if alreadyStopped {
			return nil
		}

		if err := gdbClient.Stop(ctx); err != nil {
			return err
		}
		_, err = gdbClient.WaitForStop(ctx, pauseStopTimeout)
		return err
	})
	if err != nil {
		return err
	}
	b.setStatus(types.StatusPaused)
	return nil
}

// Resume continues the guest. When breakpoints are registered a background
// watcher collects the eventual stop packet and emits breakpoint:hit.
func (b *Backend) Resume(ctx context.Context) error {
	err := b.exec.Do(ctx, func() error {
		_, gdbClient, err := b.clients()
		if err != nil {
			return err
		}
		return gdbClient.Continue(ctx)
	})
	if err != nil {
		return err
	}
	b.setStatus(types.StatusRunning)

	b.mu.Lock()
	armed := len(b.breakpoints) > 0
	b.watchGen++
	gen := b.watchGen
	gdbClient := b.gdb
	b.lastStop = nil
	b.mu.Unlock()
	if armed && gdbClient != nil {
		go b.watchForStop(gen, gdbClient)
	}
	return nil
}

// Step executes one instruction, then emits step:complete with the fresh
// register file.
func (b *Backend) Step(ctx context.Context) error {
	var regs types.Registers
	err := b.exec.Do(ctx, func() error {
		_, gdbClient, err := b.clients()
		if err != nil {
			return err
		}
		if _, err := gdbClient.Step(ctx); err != nil {
			return err
		}
		regs, err = gdbClient.ReadRegisters(ctx)
		return err
	})
	if err != nil {
		return err
	}
	b.setStatus(types.StatusPaused)
	b.events.Emit(backend.Event{Kind: backend.EventStepComplete, Registers: regs})
	return nil
}

func (b *Backend) cancelStopWatcher() {
	b.mu.Lock()
	b.watchGen++
	b.mu.Unlock()
}

// takeLastStop consumes the stashed breakpoint hit, if any.
func (b *Backend) takeLastStop() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastStop == nil {
		return ""
	}
	payload := *b.lastStop
	b.lastStop = nil
	return payload
}

func (b *Backend) watcherLive(gen int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watchGen == gen
}

// watchForStop polls for the stop packet in short windows so the connection
// stays usable for other commands in between. A stale watcher that still
// catches the packet stashes it for the next Pause.
func (b *Backend) watchForStop(gen int, gdbClient *gdb.Client) {
	for {
		payload, err := gdbClient.WaitForStop(context.Background(), stopPollWindow)
		if err != nil {
			if _, ok := err.(*types.TimeoutError); ok {
				if !b.watcherLive(gen) {
					return
				}
				continue
			}
			return
		}

		if !b.watcherLive(gen) {
			b.mu.Lock()
			b.pendingStop = &payload
			b.mu.Unlock()
			return
		}

		regs, regErr := gdbClient.ReadRegisters(context.Background())
		if regErr != nil {
			log.Error().Err(regErr).Msg("register read after breakpoint hit failed")
		}
		b.mu.Lock()
		b.lastStop = &payload
		b.mu.Unlock()
		b.setStatus(types.StatusPaused)
		b.events.Emit(backend.Event{Kind: backend.EventBreakpointHit, Registers: regs})
		return
	}
}

// WaitForStop blocks until the guest stops (breakpoint hit or break). Used
// by the capture pipeline's breakpoint branch.
func (b *Backend) WaitForStop(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = gdb.DefaultStopTimeout
	}

	// When the background watcher is armed the stop surfaces as a
	// breakpoint:hit event; otherwise read the packet directly.
	b.mu.Lock()
	watcherArmed := len(b.breakpoints) > 0
	gdbClient := b.gdb
	b.mu.Unlock()
	if gdbClient == nil {
		return "", &types.ConnectionError{Op: "qemu wait-for-stop", Err: fmt.Errorf("not connected")}
	}

	if !watcherArmed {
		return gdbClient.WaitForStop(ctx, timeout)
	}

	events, cancel := b.events.Subscribe()
	defer cancel()

	// A hit that landed between Resume and this subscription is stashed by
	// the watcher; consume it instead of waiting for an event that already
	// fired.
	if payload := b.takeLastStop(); payload != "" {
		return payload, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return "", &types.ConnectionError{Op: "qemu wait-for-stop", Err: fmt.Errorf("event stream closed")}
			}
			if ev.Kind == backend.EventBreakpointHit {
				b.takeLastStop()
				return "S05", nil
			}
		case <-deadline.C:
			return "", &types.TimeoutError{Op: "qemu wait-for-stop", Timeout: timeout}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (b *Backend) SendKeys(ctx context.Context, keys []string, delay time.Duration) error {
	if delay <= 0 {
		delay = defaultKeyDelay
	}
	return b.exec.Do(ctx, func() error {
		qmpClient, _, err := b.clients()
		if err != nil {
			return err
		}
		return qmpClient.SendKeysSequence(ctx, keys, delay)
	})
}

// Screenshot dumps the display to a throwaway file via QMP and reads it
// back. The emulator writes PPM.
func (b *Backend) Screenshot(ctx context.Context) ([]byte, types.ImageFormat, error) {
	var data []byte
	err := b.exec.Do(ctx, func() error {
		qmpClient, _, err := b.clients()
		if err != nil {
			return err
		}

		tmp, err := os.CreateTemp(b.cfg.TempDir, "dosprobe-shot-*.ppm")
		if err != nil {
			return err
		}
		path := tmp.Name()
		_ = tmp.Close()
		defer os.Remove(path)

		if err := qmpClient.Screendump(ctx, path); err != nil {
			return err
		}
		data, err = os.ReadFile(path)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return data, types.ImagePPM, nil
}

func (b *Backend) SaveSnapshot(ctx context.Context, name string) error {
	return b.exec.Do(ctx, func() error {
		qmpClient, _, err := b.clients()
		if err != nil {
			return err
		}
		return qmpClient.SaveSnapshot(ctx, name)
	})
}

// LoadSnapshot restores a named snapshot. The breakpoint table is cleared
// (the restored guest has no business hitting stale breakpoints), and the
// loading/loaded events bracket the wire call strictly so watchers can
// suspend and reseat.
func (b *Backend) LoadSnapshot(ctx context.Context, name string) error {
	return b.exec.Do(ctx, func() error {
		qmpClient, gdbClient, err := b.clients()
		if err != nil {
			return err
		}

		b.cancelStopWatcher()
		b.clearBreakpoints(ctx, gdbClient)

		b.mu.Lock()
		prior := b.status
		b.mu.Unlock()

		b.events.Emit(backend.Event{Kind: backend.EventSnapshotLoading, Snapshot: name})
		b.setStatus(types.StatusPaused)

		if err := qmpClient.LoadSnapshot(ctx, name); err != nil {
			b.events.Emit(backend.Event{Kind: backend.EventSnapshotLoadFailed, Snapshot: name, Error: err.Error()})
			b.setStatus(prior)
			return err
		}

		b.events.Emit(backend.Event{Kind: backend.EventSnapshotLoaded, Snapshot: name})
		b.setStatus(types.StatusRunning)
		return nil
	})
}

func (b *Backend) clearBreakpoints(ctx context.Context, gdbClient *gdb.Client) {
	b.mu.Lock()
	stale := make([]*types.Breakpoint, 0, len(b.breakpoints))
	for _, bp := range b.breakpoints {
		stale = append(stale, bp)
	}
	b.breakpoints = make(map[string]*types.Breakpoint)
	b.mu.Unlock()

	for _, bp := range stale {
		if err := gdbClient.RemoveBreakpoint(ctx, bp.Address.Linear()); err != nil {
			log.Debug().Err(err).Str("id", bp.ID).Msg("stale breakpoint removal failed")
		}
	}
}

// ListSnapshots runs "info snapshots" on the human monitor and parses the
// leading identifier of each non-header line. The monitor text is free-form
// and assumed stable across emulator versions.
func (b *Backend) ListSnapshots(ctx context.Context) ([]types.Snapshot, error) {
	var out []types.Snapshot
	err := b.exec.Do(ctx, func() error {
		qmpClient, _, err := b.clients()
		if err != nil {
			return err
		}
		text, err := qmpClient.HumanMonitorCommand(ctx, "info snapshots")
		if err != nil {
			return err
		}
		out = parseSnapshotList(text)
		return nil
	})
	return out, err
}

func parseSnapshotList(text string) []types.Snapshot {
	var snapshots []types.Snapshot
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" ||
			strings.HasPrefix(line, "List of") ||
			strings.HasPrefix(line, "No snapshots") ||
			strings.HasPrefix(line, "ID ") ||
			strings.HasPrefix(line, "ID\t") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		// Newer monitor versions print "--" in the ID column; the tag
		// follows it.
		if name == "--" {
			if len(fields) < 2 {
				continue
			}
			name = fields[1]
		}
		snapshots = append(snapshots, types.Snapshot{
			Name:    name,
			Backend: types.BackendQEMU,
		})
	}
	return snapshots
}
