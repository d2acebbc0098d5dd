package types

// LaunchMode selects how the qemu child is run.
type LaunchMode string

const (
	// ModeInteractive attaches the human monitor to stdio.
	ModeInteractive LaunchMode = "interactive"
	// ModeRecord runs with deterministic record enabled.
	ModeRecord LaunchMode = "record"
	// ModeReplay replays a previously recorded run.
	ModeReplay LaunchMode = "replay"
)

// DefaultGDBPort is where the emulator's remote-debug stub listens.
const DefaultGDBPort = 1234

// LaunchConfig is the typed input to the qemu process launcher. Paths are
// resolved by the caller; the launcher only assembles the argument vector.
type LaunchConfig struct {
	Mode     LaunchMode `json:"mode,omitempty"`
	Headless bool       `json:"headless"`
	// Interactive marks the process as spawned with stdio attached. The
	// monitor only goes to stdio for interactive or record runs.
	Interactive bool `json:"interactive,omitempty"`

	// DiskImage is the one hard disk, always present.
	DiskImage string `json:"diskImage"`
	// GameImage takes the primary optical slot when both images are set.
	GameImage string `json:"gameImage,omitempty"`
	// SharedImage is the utility ISO; secondary slot when GameImage is set.
	SharedImage string `json:"sharedImage,omitempty"`

	// Display is the windowed display backend when not headless and no VNC
	// port is configured.
	Display string `json:"display,omitempty"`
	// VNCPort, when set, exposes the display over VNC (display index is
	// VNCPort-5900).
	VNCPort int `json:"vncPort,omitempty"`

	// GDBPort is the remote-debug stub TCP port (default 1234).
	GDBPort int `json:"gdbPort,omitempty"`
	// QMPSocket is the machine-control unix socket path, if any.
	QMPSocket string `json:"qmpSocket,omitempty"`

	// ReplayFile is the deterministic record/replay journal for ModeRecord
	// and ModeReplay.
	ReplayFile string `json:"replayFile,omitempty"`
	// InitialSnapshot, if set, is loaded at boot.
	InitialSnapshot string `json:"initialSnapshot,omitempty"`
}

// Validate checks the fields the launcher cannot default.
func (c *LaunchConfig) Validate() error {
	if c.DiskImage == "" {
		return &ArgumentError{Field: "diskImage", Reason: "a disk image is required"}
	}
	if (c.Mode == ModeRecord || c.Mode == ModeReplay) && c.ReplayFile == "" {
		return &ArgumentError{Field: "replayFile", Reason: "record/replay modes need a replay file"}
	}
	return nil
}
