package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

func TestCompareArtifactMatch(t *testing.T) {
	dir := t.TempDir()
	data := []byte{1, 2, 3, 4}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), data, 0o644))

	cmp := CompareArtifact("a.bin", dir, data)
	assert.True(t, cmp.Match)
	assert.Equal(t, cmp.GoldenChecksum, cmp.ActualChecksum)
	assert.Nil(t, cmp.GoldenByte)
}

func TestCompareArtifactByteDifference(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte{1, 2, 3, 4}, 0o644))

	cmp := CompareArtifact("a.bin", dir, []byte{1, 2, 9, 4})
	assert.False(t, cmp.Match)
	assert.Equal(t, int64(2), cmp.FirstDifference)
	require.NotNil(t, cmp.GoldenByte)
	require.NotNil(t, cmp.ActualByte)
	assert.Equal(t, byte(3), *cmp.GoldenByte)
	assert.Equal(t, byte(9), *cmp.ActualByte)
	assert.NotEqual(t, cmp.GoldenChecksum, cmp.ActualChecksum)
}

func TestCompareArtifactLengthDifference(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte{1, 2, 3, 4}, 0o644))

	cmp := CompareArtifact("a.bin", dir, []byte{1, 2})
	assert.False(t, cmp.Match)
	// Length mismatch: first difference is the shorter length, no byte pair.
	assert.Equal(t, int64(2), cmp.FirstDifference)
	assert.Nil(t, cmp.GoldenByte)
	assert.Nil(t, cmp.ActualByte)
}

func TestCompareArtifactMissingGolden(t *testing.T) {
	cmp := CompareArtifact("absent.bin", t.TempDir(), []byte{1})
	assert.False(t, cmp.Match)
	assert.Empty(t, cmp.GoldenChecksum)
	assert.NotEmpty(t, cmp.ActualChecksum)
}

func TestGoldenGenerateThenCompare(t *testing.T) {
	goldenDir := t.TempDir()
	captureDir := t.TempDir()

	fake := newFakeBackend()
	fake.memory = func(_ types.Address, size int) []byte {
		data := make([]byte, size)
		for i := range data {
			data[i] = 0x5A
		}
		return data
	}

	g := &Golden{Dir: goldenDir, Runner: &Runner{Dir: captureDir}}
	req := types.CaptureRequest{Prefix: "boot", SkipScreenshot: true}

	_, err := g.Generate(context.Background(), fake, req)
	require.NoError(t, err)

	comparisons, err := g.Compare(context.Background(), fake, req)
	require.NoError(t, err)
	require.NotEmpty(t, comparisons)
	for _, cmp := range comparisons {
		assert.Truef(t, cmp.Match, "artifact %s should match its golden", cmp.Artifact)
	}

	// A drifted framebuffer shows up as a localized mismatch.
	fake.memory = func(_ types.Address, size int) []byte {
		data := make([]byte, size)
		for i := range data {
			data[i] = 0x5A
		}
		data[100] = 0xFF
		return data
	}
	comparisons, err = g.Compare(context.Background(), fake, req)
	require.NoError(t, err)
	var fb *types.GoldenComparison
	for i := range comparisons {
		if comparisons[i].Artifact == "boot_framebuffer.bin" {
			fb = &comparisons[i]
		}
	}
	require.NotNil(t, fb)
	assert.False(t, fb.Match)
	assert.Equal(t, int64(100), fb.FirstDifference)
	require.NotNil(t, fb.GoldenByte)
	assert.Equal(t, byte(0x5A), *fb.GoldenByte)
	assert.Equal(t, byte(0xFF), *fb.ActualByte)
}

func TestInventoryGroupsByPrefix(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"level1_framebuffer.bin", "level1_registers.json", "level1_checksums.json",
		"level2_framebuffer.bin", "level2_checksums.json",
		"orphan.bin",
	}
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	groups, err := Inventory(dir)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"level1_checksums.json", "level1_framebuffer.bin", "level1_registers.json"}, groups["level1"])
	assert.Equal(t, []string{"level2_checksums.json", "level2_framebuffer.bin"}, groups["level2"])
}

func TestInventoryMissingDir(t *testing.T) {
	groups, err := Inventory(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, groups)
}
