// Package dosbox implements the session-based backend: every operation runs
// a dedicated emulator child driven by a synthesized configuration and a
// debugger command script, then harvests the output files.
package dosbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Conf is a sectioned key-value emulator configuration with a distinguished
// [autoexec] section that is always written last. Section and key order is
// insertion order so synthesized files are stable across runs.
type Conf struct {
	order    []string
	sections map[string]*section
	autoexec []string
}

type section struct {
	order  []string
	values map[string]string
}

// NewConf returns a configuration pre-seeded with the session defaults:
// display mode, memory size, machine model, CPU profile, Sound Blaster 16
// wiring, and a log file under capturesDir. The autoexec preamble mounts
// driveC as C: and enters it.
func NewConf(driveC, capturesDir string) *Conf {
	c := &Conf{sections: make(map[string]*section)}

	c.Set("sdl", "output", "opengl")
	c.Set("sdl", "windowresolution", "640x400")
	c.Set("sdl", "autolock", "false")

	c.Set("dosbox", "memsize", "16")
	c.Set("dosbox", "machine", "svga_s3")

	c.Set("cpu", "cputype", "auto")
	c.Set("cpu", "cycles", "max")

	c.Set("sblaster", "sbtype", "sb16")
	c.Set("sblaster", "sbbase", "220")
	c.Set("sblaster", "irq", "5")
	c.Set("sblaster", "dma", "1")
	c.Set("sblaster", "hdma", "5")

	c.Set("log", "logfile", filepath.Join(capturesDir, "dosbox-x-session.log"))

	c.autoexec = []string{
		fmt.Sprintf("MOUNT C \"%s\"", driveC),
		"C:",
	}
	return c
}

// Set assigns one option, creating the section on first use.
func (c *Conf) Set(sectionName, key, value string) {
	sectionName = strings.ToLower(sectionName)
	s, ok := c.sections[sectionName]
	if !ok {
		s = &section{values: make(map[string]string)}
		c.sections[sectionName] = s
		c.order = append(c.order, sectionName)
	}
	if _, ok := s.values[key]; !ok {
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

// Get returns an option value, or "" when unset.
func (c *Conf) Get(sectionName, key string) string {
	s, ok := c.sections[strings.ToLower(sectionName)]
	if !ok {
		return ""
	}
	return s.values[key]
}

// SetAutoexec replaces the autoexec lines entirely.
func (c *Conf) SetAutoexec(lines ...string) {
	c.autoexec = append([]string(nil), lines...)
}

// AppendAutoexec adds autoexec lines after the existing ones.
func (c *Conf) AppendAutoexec(lines ...string) {
	c.autoexec = append(c.autoexec, lines...)
}

// Autoexec returns a copy of the current autoexec lines.
func (c *Conf) Autoexec() []string {
	return append([]string(nil), c.autoexec...)
}

// Render produces the textual configuration file.
func (c *Conf) Render() string {
	var b strings.Builder
	for _, name := range c.order {
		s := c.sections[name]
		fmt.Fprintf(&b, "[%s]\n", name)
		for _, key := range s.order {
			fmt.Fprintf(&b, "%s=%s\n", key, s.values[key])
		}
		b.WriteString("\n")
	}
	b.WriteString("[autoexec]\n")
	for _, line := range c.autoexec {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// Write renders the configuration to path, creating parent directories.
func (c *Conf) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create conf dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(c.Render()), 0o644); err != nil {
		return fmt.Errorf("write conf: %w", err)
	}
	return nil
}

// AutotypeLine builds the autoexec auto-typing command: wait preWait seconds
// before the first key, then one key per period seconds.
func AutotypeLine(keys []string, preWait, period float64) string {
	return fmt.Sprintf("AUTOTYPE -w %.1f -p %.2f %s", preWait, period, strings.Join(keys, " "))
}

// ImgmountLine builds the autoexec line mounting an ISO as the D: drive.
func ImgmountLine(iso string) string {
	return fmt.Sprintf("IMGMOUNT D \"%s\" -t cdrom", iso)
}
