package types

import "time"

// BackendKind selects one of the two emulator backends.
type BackendKind string

const (
	// BackendQEMU is the long-lived socket backend: QMP machine control plus
	// the GDB remote-debug stub.
	BackendQEMU BackendKind = "qemu"
	// BackendDOSBox is the session backend: one DOSBox-X process per
	// operation, driven by a generated config and debugger script.
	BackendDOSBox BackendKind = "dosbox"
)

// ParseBackendKind validates a backend name from the wire.
func ParseBackendKind(s string) (BackendKind, error) {
	switch BackendKind(s) {
	case BackendQEMU, BackendDOSBox:
		return BackendKind(s), nil
	default:
		return "", &ArgumentError{Field: "backend", Reason: "must be \"qemu\" or \"dosbox\""}
	}
}

// BackendStatus is the lifecycle state of a backend. A backend is either
// fully connected or fully disconnected; a half-open state surfaces as
// StatusError.
type BackendStatus string

const (
	StatusDisconnected BackendStatus = "disconnected"
	StatusLaunching    BackendStatus = "launching"
	StatusRunning      BackendStatus = "running"
	StatusPaused       BackendStatus = "paused"
	StatusError        BackendStatus = "error"
)

// StatusInfo is the status record served by GET /api/backend and pushed on
// the WebSocket "status" channel. The two connection flags are only
// meaningful for the qemu backend.
type StatusInfo struct {
	Backend          BackendKind   `json:"backend"`
	Status           BackendStatus `json:"status"`
	PID              int           `json:"pid,omitempty"`
	ControlConnected bool          `json:"controlConnected,omitempty"`
	DebugConnected   bool          `json:"debugConnected,omitempty"`
}

// BreakpointKind discriminates the three breakpoint flavors. Only execution
// breakpoints are live-manageable (qemu backend); memory and interrupt kinds
// exist inside generated DOSBox-X debug scripts.
type BreakpointKind string

const (
	BreakpointExecution BreakpointKind = "execution"
	BreakpointMemory    BreakpointKind = "memory"
	BreakpointInterrupt BreakpointKind = "interrupt"
)

// Breakpoint is a backend-issued breakpoint registration.
type Breakpoint struct {
	ID          string         `json:"id"`
	Kind        BreakpointKind `json:"kind"`
	Address     *Address       `json:"address,omitempty"`
	Interrupt   *uint8         `json:"interrupt,omitempty"`
	SubFunction *uint8         `json:"subFunction,omitempty"`
	Enabled     bool           `json:"enabled"`
}

// Snapshot is a handle to a backend-owned save of guest state.
type Snapshot struct {
	Name     string      `json:"name"`
	Backend  BackendKind `json:"backend"`
	Size     int64       `json:"size,omitempty"`
	Modified *time.Time  `json:"modified,omitempty"`
	Path     string      `json:"path,omitempty"`
}
