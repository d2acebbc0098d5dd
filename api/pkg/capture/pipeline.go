// Package capture implements the artifact pipeline: drive a backend to an
// interesting guest state, then dump framebuffer, screenshot, registers and
// extra memory ranges to prefixed files with a checksum manifest.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

const (
	// snapshotSettle lets the guest settle after a snapshot load before any
	// further driving.
	snapshotSettle = 1000 * time.Millisecond

	defaultKeyWait    = 2 * time.Second
	defaultStopwait   = 30 * time.Second
	checksumsSuffix   = "_checksums.json"
	framebufferSuffix = "_framebuffer.bin"
	registersSuffix   = "_registers.json"
)

// Progress reports pipeline stages as they run; nil is allowed.
type Progress func(stage, detail string)

// Runner executes capture requests against a backend, writing artifacts
// under Dir.
type Runner struct {
	Dir        string
	OnProgress Progress
}

func (r *Runner) progress(stage, detail string) {
	if r.OnProgress != nil {
		r.OnProgress(stage, detail)
	}
}

// Run drives the backend through the request and writes every artifact plus
// the checksum manifest. Composed purely of backend primitives, so any
// backend that supports the needed operations works; unsupported optional
// steps (pause, screenshot) are skipped.
func (r *Runner) Run(ctx context.Context, b backend.Backend, req types.CaptureRequest) (*types.CaptureResult, error) {
	if req.Prefix == "" {
		return nil, &types.ArgumentError{Field: "prefix", Reason: "a capture prefix is required"}
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create captures dir: %w", err)
	}

	result := &types.CaptureResult{
		Prefix:     req.Prefix,
		ExtraDumps: make(map[string][]byte),
		Checksums:  make(map[string]string),
		CreatedAt:  time.Now().UTC(),
	}

	if req.Snapshot != "" {
		r.progress("snapshot", req.Snapshot)
		if err := b.LoadSnapshot(ctx, req.Snapshot); err != nil {
			return nil, fmt.Errorf("load snapshot %q: %w", req.Snapshot, err)
		}
		sleep(ctx, snapshotSettle)
	}

	if len(req.Keys) > 0 {
		r.progress("keys", fmt.Sprintf("%d keys", len(req.Keys)))
		if err := b.SendKeys(ctx, req.Keys, req.KeyDelay); err != nil {
			return nil, fmt.Errorf("send keys: %w", err)
		}
		wait := req.WaitTime
		if wait <= 0 {
			wait = defaultKeyWait
		}
		sleep(ctx, wait)
	}

	if req.Breakpoint != nil {
		if err := r.runToBreakpoint(ctx, b, req, *req.Breakpoint); err != nil {
			return nil, err
		}
	} else {
		// Freeze the guest so all dumps observe one consistent state.
		if err := b.Pause(ctx); err != nil && !errors.Is(err, types.ErrNotSupported) {
			return nil, fmt.Errorf("pause: %w", err)
		}
	}

	if !req.SkipFramebuffer {
		r.progress("framebuffer", "")
		data, err := b.ReadMemory(ctx, types.AddressFromLinear(types.FramebufferLinear), types.FramebufferSize)
		if err != nil {
			return nil, fmt.Errorf("read framebuffer: %w", err)
		}
		result.Framebuffer = data
		if err := r.writeArtifact(result, req.Prefix+framebufferSuffix, data); err != nil {
			return nil, err
		}
	}

	if !req.SkipScreenshot {
		r.progress("screenshot", "")
		data, format, err := b.Screenshot(ctx)
		switch {
		case errors.Is(err, types.ErrNotSupported):
			log.Debug().Msg("backend has no screenshot support, skipping")
		case err != nil:
			return nil, fmt.Errorf("screenshot: %w", err)
		default:
			result.Screenshot = data
			result.ScreenshotFormat = format
			name := fmt.Sprintf("%s_screenshot.%s", req.Prefix, format.Extension())
			if err := r.writeArtifact(result, name, data); err != nil {
				return nil, err
			}
		}
	}

	if !req.SkipRegisters {
		r.progress("registers", "")
		regs, err := b.ReadRegisters(ctx)
		if err != nil {
			return nil, fmt.Errorf("read registers: %w", err)
		}
		result.Registers = regs
		encoded, err := json.MarshalIndent(regs, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := r.writeArtifact(result, req.Prefix+registersSuffix, encoded); err != nil {
			return nil, err
		}
	}

	for _, extra := range req.ExtraRanges {
		r.progress("memory", extra.File)
		data, err := b.ReadMemory(ctx, extra.Address, extra.Size)
		if err != nil {
			return nil, fmt.Errorf("read extra range %s: %w", extra.Address, err)
		}
		result.ExtraDumps[extra.File] = data
		if err := r.writeArtifact(result, extra.File, data); err != nil {
			return nil, err
		}
	}

	if err := b.Resume(ctx); err != nil && !errors.Is(err, types.ErrNotSupported) {
		log.Warn().Err(err).Msg("resume after capture failed")
	}

	if err := r.writeChecksums(req.Prefix, result.Checksums); err != nil {
		return nil, err
	}
	r.progress("complete", req.Prefix)
	return result, nil
}

// runToBreakpoint plants the breakpoint, resumes, and waits for the hit.
// Backends exposing a live stop channel get a real wait; the rest fall back
// to sleeping out the timeout.
func (r *Runner) runToBreakpoint(ctx context.Context, b backend.Backend, req types.CaptureRequest, addr types.Address) error {
	r.progress("breakpoint", addr.String())

	bp, err := b.SetBreakpoint(ctx, addr)
	if err != nil {
		return fmt.Errorf("set breakpoint at %s: %w", addr, err)
	}
	defer func() {
		if err := b.RemoveBreakpoint(ctx, bp.ID); err != nil {
			log.Warn().Err(err).Str("id", bp.ID).Msg("breakpoint removal after capture failed")
		}
	}()

	if err := b.Resume(ctx); err != nil {
		return fmt.Errorf("resume to breakpoint: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultStopwait
	}
	if waiter, ok := b.(backend.StopWaiter); ok {
		if _, err := waiter.WaitForStop(ctx, timeout); err != nil {
			return fmt.Errorf("wait for breakpoint at %s: %w", addr, err)
		}
	} else {
		log.Warn().
			Str("address", addr.String()).
			Dur("timeout", timeout).
			Msg("backend has no stop notification, sleeping out the breakpoint window")
		sleep(ctx, timeout)
	}
	return nil
}

func (r *Runner) writeArtifact(result *types.CaptureResult, name string, data []byte) error {
	path := filepath.Join(r.Dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	result.Checksums[name] = Checksum(data)
	return nil
}

func (r *Runner) writeChecksums(prefix string, checksums map[string]string) error {
	encoded, err := json.MarshalIndent(checksums, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.Dir, prefix+checksumsSuffix)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("write checksums manifest: %w", err)
	}
	return nil
}

// Checksum returns the lowercase hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
