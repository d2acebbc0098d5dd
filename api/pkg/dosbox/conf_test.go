package dosbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfDefaults(t *testing.T) {
	c := NewConf("/games/drive_c", "/tmp/captures")

	assert.Equal(t, "sb16", c.Get("sblaster", "sbtype"))
	assert.Equal(t, "220", c.Get("sblaster", "sbbase"))
	assert.Equal(t, "16", c.Get("dosbox", "memsize"))
	assert.Equal(t, "svga_s3", c.Get("dosbox", "machine"))
	assert.Equal(t, "max", c.Get("cpu", "cycles"))
	assert.Equal(t, filepath.Join("/tmp/captures", "dosbox-x-session.log"), c.Get("log", "logfile"))

	auto := c.Autoexec()
	require.Len(t, auto, 2)
	assert.Equal(t, `MOUNT C "/games/drive_c"`, auto[0])
	assert.Equal(t, "C:", auto[1])
}

func TestConfRenderLayout(t *testing.T) {
	c := NewConf("/c", "/cap")
	c.Set("debugger", "debugrunfile", "/cap/run.cmd")
	c.AppendAutoexec("GAME.EXE")

	text := c.Render()

	// Autoexec is always the last section.
	autoexecIdx := strings.Index(text, "[autoexec]")
	require.Positive(t, autoexecIdx)
	assert.NotContains(t, text[autoexecIdx:], "]=")
	for _, section := range []string{"[sdl]", "[dosbox]", "[cpu]", "[sblaster]", "[log]", "[debugger]"} {
		idx := strings.Index(text, section)
		require.Positivef(t, idx, "missing section %s", section)
		assert.Less(t, idx, autoexecIdx)
	}

	assert.Contains(t, text, "debugrunfile=/cap/run.cmd\n")
	assert.True(t, strings.HasSuffix(text, "GAME.EXE\n"))
}

func TestConfSetOverwritesInPlace(t *testing.T) {
	c := NewConf("/c", "/cap")
	c.Set("log", "logfile", "/elsewhere/x.log")
	assert.Equal(t, "/elsewhere/x.log", c.Get("log", "logfile"))
	// Overwriting must not duplicate the key in the rendered output.
	assert.Equal(t, 1, strings.Count(c.Render(), "logfile="))
}

func TestConfWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "session.conf")
	c := NewConf("/c", dir)
	require.NoError(t, c.Write(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, c.Render(), string(raw))
}

func TestAutotypeLine(t *testing.T) {
	line := AutotypeLine([]string{"right", "right", "up", "enter"}, 5, 0.15)
	assert.Equal(t, "AUTOTYPE -w 5.0 -p 0.15 right right up enter", line)
}

func TestImgmountLine(t *testing.T) {
	assert.Equal(t, `IMGMOUNT D "/isos/game.iso" -t cdrom`, ImgmountLine("/isos/game.iso"))
}
