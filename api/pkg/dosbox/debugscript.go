package dosbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// Script builds a debugger command script for the emulator's built-in
// debugger. Commands run in order when the child starts with the
// run-file switch.
type Script struct {
	commands []string
}

// NewScript returns an empty script builder.
func NewScript() *Script {
	return &Script{}
}

// Breakpoint sets an execution breakpoint at segment:offset.
func (s *Script) Breakpoint(addr types.Address) *Script {
	s.commands = append(s.commands, fmt.Sprintf("BP %04X:%04X", addr.Segment, addr.Offset))
	return s
}

// InterruptBreakpoint breaks on a software interrupt; subFunction narrows it
// to one AH value when non-negative.
func (s *Script) InterruptBreakpoint(interrupt int, subFunction int) *Script {
	if subFunction >= 0 {
		s.commands = append(s.commands, fmt.Sprintf("BPINT %02X %02X", interrupt, subFunction))
	} else {
		s.commands = append(s.commands, fmt.Sprintf("BPINT %02X", interrupt))
	}
	return s
}

// MemoryBreakpoint breaks on a write to segment:offset.
func (s *Script) MemoryBreakpoint(addr types.Address) *Script {
	s.commands = append(s.commands, fmt.Sprintf("BPM %04X:%04X", addr.Segment, addr.Offset))
	return s
}

// Continue resumes guest execution.
func (s *Script) Continue() *Script {
	s.commands = append(s.commands, "C")
	return s
}

// Step executes count instructions.
func (s *Script) Step(count int) *Script {
	s.commands = append(s.commands, fmt.Sprintf("T %d", count))
	return s
}

// ShowRegisters dumps the register file to the debug log.
func (s *Script) ShowRegisters() *Script {
	s.commands = append(s.commands, "SR")
	return s
}

// MemdumpHex hex-dumps a memory range to the debug log.
func (s *Script) MemdumpHex(addr types.Address, length int) *Script {
	s.commands = append(s.commands, fmt.Sprintf("MEMDUMP %04X:%04X %X", addr.Segment, addr.Offset, length))
	return s
}

// MemdumpBin dumps a memory range as raw bytes into path.
func (s *Script) MemdumpBin(addr types.Address, length int, path string) *Script {
	s.commands = append(s.commands, fmt.Sprintf("MEMDUMPBIN %04X:%04X %X %s", addr.Segment, addr.Offset, length, path))
	return s
}

// LogInstructions logs the next count executed instructions.
func (s *Script) LogInstructions(count int) *Script {
	s.commands = append(s.commands, fmt.Sprintf("LOG %d", count))
	return s
}

// Raw appends an escape-hatch debugger command verbatim.
func (s *Script) Raw(command string) *Script {
	s.commands = append(s.commands, command)
	return s
}

// Render produces the script text, one command per line.
func (s *Script) Render() string {
	if len(s.commands) == 0 {
		return ""
	}
	return strings.Join(s.commands, "\n") + "\n"
}

// Write renders the script to path, creating parent directories.
func (s *Script) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create script dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(s.Render()), 0o644); err != nil {
		return fmt.Errorf("write debug script: %w", err)
	}
	return nil
}
