// Package backend defines the uniform contract both emulator backends
// implement, plus the event bus, the serial executor and the holder slot the
// HTTP and WebSocket layers share.
package backend

import (
	"context"
	"time"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// Operation names a backend primitive for capability reporting.
type Operation string

const (
	OpReadMemory    Operation = "readMemory"
	OpWriteMemory   Operation = "writeMemory"
	OpReadRegisters Operation = "readRegisters"
	OpBreakpoints   Operation = "breakpoints"
	OpPause         Operation = "pause"
	OpResume        Operation = "resume"
	OpStep          Operation = "step"
	OpSendKeys      Operation = "sendKeys"
	OpScreenshot    Operation = "screenshot"
	OpSaveSnapshot  Operation = "saveSnapshot"
	OpLoadSnapshot  Operation = "loadSnapshot"
	OpListSnapshots Operation = "listSnapshots"
	OpCapture       Operation = "capture"
)

// Backend is the uniform contract over the two emulator surfaces. All
// operations on one backend are serialized: no two primitives run
// concurrently against the same emulator.
type Backend interface {
	Kind() types.BackendKind
	Status() types.StatusInfo
	Supports(op Operation) bool
	Events() *Emitter

	// Launch spawns a fresh emulator child and connects to it.
	Launch(ctx context.Context, cfg types.LaunchConfig) error
	// Connect attaches to an already-running emulator without owning it.
	// A no-op for the session backend, which has no long-lived process.
	Connect(ctx context.Context) error
	// Disconnect closes the control transports but leaves the child alive.
	Disconnect(ctx context.Context) error
	// Shutdown asks the emulator to quit, disconnects, and reaps the child.
	Shutdown(ctx context.Context) error

	ReadMemory(ctx context.Context, addr types.Address, size int) ([]byte, error)
	WriteMemory(ctx context.Context, addr types.Address, data []byte) error
	ReadRegisters(ctx context.Context) (types.Registers, error)

	SetBreakpoint(ctx context.Context, addr types.Address) (*types.Breakpoint, error)
	RemoveBreakpoint(ctx context.Context, id string) error
	ListBreakpoints(ctx context.Context) ([]*types.Breakpoint, error)

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Step(ctx context.Context) error

	SendKeys(ctx context.Context, keys []string, delay time.Duration) error
	Screenshot(ctx context.Context) ([]byte, types.ImageFormat, error)

	SaveSnapshot(ctx context.Context, name string) error
	LoadSnapshot(ctx context.Context, name string) error
	ListSnapshots(ctx context.Context) ([]types.Snapshot, error)
}

// StopWaiter is the optional live stop-event surface. The capture pipeline
// sniffs for it: when present the breakpoint branch waits for the actual
// stop packet instead of falling back to a fixed sleep.
type StopWaiter interface {
	WaitForStop(ctx context.Context, timeout time.Duration) (string, error)
}

// Factory constructs a backend of the given kind in the disconnected state.
type Factory func(kind types.BackendKind) (Backend, error)
