package dosbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

const (
	// defaultSessionTimeout bounds one emulator session; the child is
	// killed on expiry and whatever it wrote is still harvested.
	defaultSessionTimeout = 45 * time.Second

	// autotypePreWait is the default delay before the first auto-typed key.
	autotypePreWait = 3.0
	// autotypePeriod is the default per-key typing period.
	autotypePeriod = 0.15

	stateExtension = ".dsx"
)

// Config carries the resolved paths and binaries the session backend needs.
type Config struct {
	Binary      string
	DriveC      string
	ConfDir     string
	CapturesDir string
	StatesDir   string

	// GameExe, when set, is launched from C:\GAME at the end of autoexec.
	GameExe string
	// GameISO, when set, is mounted as the D: drive.
	GameISO string

	Timeout time.Duration
}

var supportedOps = map[backend.Operation]bool{
	backend.OpReadMemory:    true,
	backend.OpSendKeys:      true,
	backend.OpReadRegisters: true,
	backend.OpCapture:       true,
	backend.OpScreenshot:    true,
	backend.OpListSnapshots: true,
}

// Backend is the session-based backend. There is no long-lived emulator:
// every operation synthesizes a configuration plus a debugger script, runs
// a dedicated child to completion, and harvests the output files.
type Backend struct {
	cfg    Config
	exec   *backend.Executor
	events *backend.Emitter
}

var _ backend.Backend = (*Backend)(nil)

// New returns a session backend. The spawn directories are created lazily
// on first use.
func New(cfg Config) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSessionTimeout
	}
	return &Backend{
		cfg:    cfg,
		exec:   backend.NewExecutor(),
		events: backend.NewEmitter(),
	}
}

func (b *Backend) Kind() types.BackendKind { return types.BackendDOSBox }

func (b *Backend) Events() *backend.Emitter { return b.events }

func (b *Backend) Supports(op backend.Operation) bool { return supportedOps[op] }

// Status is always disconnected: there is no long-lived process, each
// operation owns its own short-lived child.
func (b *Backend) Status() types.StatusInfo {
	return types.StatusInfo{
		Backend: types.BackendDOSBox,
		Status:  types.StatusDisconnected,
	}
}

func (b *Backend) notSupported(op string) error {
	return &types.NotSupportedError{Backend: string(types.BackendDOSBox), Op: op}
}

// Launch is meaningless for a session backend; each operation launches its
// own child.
func (b *Backend) Launch(context.Context, types.LaunchConfig) error {
	return b.notSupported("launch")
}

func (b *Backend) Connect(context.Context) error { return nil }

func (b *Backend) Disconnect(context.Context) error { return nil }

func (b *Backend) Shutdown(context.Context) error { return nil }

// ReadMemory runs a session whose debugger script continues the guest and
// binary-dumps the range to a scratch file, then reads the file back. The
// dump reflects the guest's memory at whatever point the script's continue
// returns control to the debugger.
func (b *Backend) ReadMemory(ctx context.Context, addr types.Address, size int) ([]byte, error) {
	if size <= 0 {
		return nil, &types.ArgumentError{Field: "size", Reason: "must be positive"}
	}

	var data []byte
	err := b.exec.Do(ctx, func() error {
		dumpPath := filepath.Join(b.cfg.CapturesDir, "_session_memdump.bin")
		_ = os.Remove(dumpPath)

		script := NewScript().
			Continue().
			MemdumpBin(addr, size, dumpPath).
			ShowRegisters()

		if err := b.runSession(ctx, "_session_memdump", script, nil); err != nil {
			return err
		}

		raw, err := os.ReadFile(dumpPath)
		if err != nil {
			return fmt.Errorf("memory dump was not produced (see session log): %w", err)
		}
		if len(raw) > size {
			raw = raw[:size]
		}
		data = raw
		return nil
	})
	return data, err
}

func (b *Backend) WriteMemory(context.Context, types.Address, []byte) error {
	return b.notSupported("writeMemory")
}

// ReadRegisters runs a session that continues the guest, dumps registers to
// the debug log, and parses the final dump block out of the log.
func (b *Backend) ReadRegisters(ctx context.Context) (types.Registers, error) {
	var regs types.Registers
	err := b.exec.Do(ctx, func() error {
		logPath := filepath.Join(b.cfg.CapturesDir, "_session_registers.log")
		_ = os.Remove(logPath)

		script := NewScript().Continue().ShowRegisters()
		if err := b.runSessionWithLog(ctx, "_session_registers", script, nil, logPath); err != nil {
			return err
		}

		parsed, err := ParseRegisters(logPath)
		if err != nil {
			return err
		}
		regs = parsed
		return nil
	})
	return regs, err
}

func (b *Backend) SetBreakpoint(context.Context, types.Address) (*types.Breakpoint, error) {
	return nil, b.notSupported("setBreakpoint")
}

func (b *Backend) RemoveBreakpoint(context.Context, string) error {
	return b.notSupported("removeBreakpoint")
}

func (b *Backend) ListBreakpoints(context.Context) ([]*types.Breakpoint, error) {
	return nil, b.notSupported("listBreakpoints")
}

func (b *Backend) Pause(context.Context) error { return b.notSupported("pause") }

func (b *Backend) Resume(context.Context) error { return b.notSupported("resume") }

func (b *Backend) Step(context.Context) error { return b.notSupported("step") }

// SendKeys runs a session whose autoexec auto-types the sequence into the
// guest. delay is the pre-wait before the first key.
func (b *Backend) SendKeys(ctx context.Context, keys []string, delay time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	preWait := autotypePreWait
	if delay > 0 {
		preWait = delay.Seconds()
	}
	return b.exec.Do(ctx, func() error {
		return b.runSession(ctx, "_session_keys", nil, &autotype{keys: keys, preWait: preWait})
	})
}

// Screenshot runs a session and harvests the newest image the emulator's
// built-in capture wrote under the captures directory. The emulator writes
// BMP.
func (b *Backend) Screenshot(ctx context.Context) ([]byte, types.ImageFormat, error) {
	var data []byte
	err := b.exec.Do(ctx, func() error {
		before := time.Now()
		if err := b.runSession(ctx, "_session_screenshot", nil, nil); err != nil {
			return err
		}
		path, err := newestFile(b.cfg.CapturesDir, ".bmp", before)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		data = raw
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, types.ImageBMP, nil
}

func (b *Backend) SaveSnapshot(context.Context, string) error {
	return b.notSupported("saveSnapshot")
}

func (b *Backend) LoadSnapshot(context.Context, string) error {
	return b.notSupported("loadSnapshot")
}

// ListSnapshots lists the named save-state files under the states
// directory. Save states are created interactively with the emulator's
// save-state hotkey; the server only inventories them.
func (b *Backend) ListSnapshots(context.Context) ([]types.Snapshot, error) {
	entries, err := os.ReadDir(b.cfg.StatesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var states []types.Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stateExtension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		modified := info.ModTime()
		states = append(states, types.Snapshot{
			Name:     strings.TrimSuffix(entry.Name(), stateExtension),
			Backend:  types.BackendDOSBox,
			Size:     info.Size(),
			Modified: &modified,
			Path:     filepath.Join(b.cfg.StatesDir, entry.Name()),
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states, nil
}

type autotype struct {
	keys    []string
	preWait float64
}

// runSession synthesizes the config (and debugger script, when given),
// spawns one emulator child, and waits for it to exit within the session
// timeout. On expiry the child is killed; output files written before the
// kill are still usable.
func (b *Backend) runSession(ctx context.Context, name string, script *Script, typing *autotype) error {
	logPath := filepath.Join(b.cfg.CapturesDir, name+".log")
	return b.runSessionWithLog(ctx, name, script, typing, logPath)
}

func (b *Backend) runSessionWithLog(ctx context.Context, name string, script *Script, typing *autotype, logPath string) error {
	if err := os.MkdirAll(b.cfg.CapturesDir, 0o755); err != nil {
		return fmt.Errorf("create captures dir: %w", err)
	}

	conf := NewConf(b.cfg.DriveC, b.cfg.CapturesDir)
	conf.Set("log", "logfile", logPath)

	args := []string{}
	if script != nil {
		scriptPath := filepath.Join(b.cfg.CapturesDir, name+".cmd")
		if err := script.Write(scriptPath); err != nil {
			return err
		}
		conf.Set("debugger", "debugrunfile", scriptPath)
		args = append(args, "-startdebugger")
	}

	if b.cfg.GameISO != "" {
		conf.AppendAutoexec(ImgmountLine(b.cfg.GameISO))
	}
	if typing != nil {
		conf.AppendAutoexec(AutotypeLine(typing.keys, typing.preWait, autotypePeriod))
	}
	if b.cfg.GameExe != "" {
		conf.AppendAutoexec("CD \\GAME", b.cfg.GameExe)
	}
	// The guest has no operator; the session must end on its own.
	conf.AppendAutoexec("EXIT")

	confPath := filepath.Join(b.cfg.ConfDir, name+".conf")
	if err := conf.Write(confPath); err != nil {
		return err
	}

	return b.spawn(ctx, confPath, args)
}

func (b *Backend) spawn(ctx context.Context, confPath string, extraArgs []string) error {
	runCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	args := append([]string{"-conf", confPath}, extraArgs...)
	cmd := exec.CommandContext(runCtx, b.cfg.Binary, args...)

	log.Info().Str("binary", b.cfg.Binary).Strs("args", args).Msg("starting emulator session")
	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		// Expected for sessions that leave the guest running; the dump
		// files were written when the debugger script ran.
		log.Debug().Dur("timeout", b.cfg.Timeout).Msg("session timed out, child killed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("emulator session: %w", err)
	}
	return nil
}

// newestFile returns the path of the most recently modified file under dir
// with the given extension, modified at or after cutoff.
func newestFile(dir, ext string, cutoff time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var best string
	var bestTime time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = filepath.Join(dir, entry.Name())
			bestTime = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no %s produced under %s", ext, dir)
	}
	return best, nil
}
