package capture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// Golden manages reference captures: generate writes a capture into the
// golden directory, compare re-runs the capture and diffs every artifact
// byte-for-byte against its golden twin.
type Golden struct {
	// Dir holds the golden reference artifacts.
	Dir string
	// Runner executes the captures; its Dir is where fresh artifacts land.
	Runner *Runner
}

// Generate runs the capture with artifacts written directly into the golden
// directory.
func (g *Golden) Generate(ctx context.Context, b backend.Backend, req types.CaptureRequest) (*types.CaptureResult, error) {
	goldenRunner := &Runner{Dir: g.Dir, OnProgress: g.Runner.OnProgress}
	return goldenRunner.Run(ctx, b, req)
}

// Compare runs a fresh capture and diffs each produced artifact against the
// golden directory. Artifacts without a golden twin count as mismatches
// with an empty golden checksum.
func (g *Golden) Compare(ctx context.Context, b backend.Backend, req types.CaptureRequest) ([]types.GoldenComparison, error) {
	result, err := g.Runner.Run(ctx, b, req)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(result.Checksums))
	for name := range result.Checksums {
		names = append(names, name)
	}
	sort.Strings(names)

	comparisons := make([]types.GoldenComparison, 0, len(names))
	for _, name := range names {
		actual, err := os.ReadFile(filepath.Join(g.Runner.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("read capture artifact %s: %w", name, err)
		}
		comparisons = append(comparisons, CompareArtifact(name, g.Dir, actual))
	}
	return comparisons, nil
}

// CompareArtifact diffs actual bytes against the golden file of the same
// name. The diff reports both checksums, a first-difference offset, and the
// differing byte pair when lengths allow; on a length mismatch the offset is
// the shorter length.
func CompareArtifact(name, goldenDir string, actual []byte) types.GoldenComparison {
	cmp := types.GoldenComparison{
		Artifact:       name,
		ActualChecksum: Checksum(actual),
	}

	golden, err := os.ReadFile(filepath.Join(goldenDir, name))
	if err != nil {
		// Missing golden: mismatch with an empty golden checksum.
		cmp.Match = false
		return cmp
	}
	cmp.GoldenChecksum = Checksum(golden)

	if bytes.Equal(golden, actual) {
		cmp.Match = true
		return cmp
	}

	if len(golden) != len(actual) {
		shorter := len(golden)
		if len(actual) < shorter {
			shorter = len(actual)
		}
		cmp.FirstDifference = int64(shorter)
		return cmp
	}

	for i := range golden {
		if golden[i] != actual[i] {
			cmp.FirstDifference = int64(i)
			gb, ab := golden[i], actual[i]
			cmp.GoldenByte = &gb
			cmp.ActualByte = &ab
			break
		}
	}
	return cmp
}

// Inventory groups the files under dir by capture prefix. A file belongs to
// prefix P when its name starts with "P_"; the manifest suffix identifies
// the prefixes.
func Inventory(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{}, nil
		}
		return nil, err
	}

	var prefixes, names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
		if strings.HasSuffix(entry.Name(), checksumsSuffix) {
			prefixes = append(prefixes, strings.TrimSuffix(entry.Name(), checksumsSuffix))
		}
	}
	// Longest prefix wins when one capture name extends another.
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	groups := make(map[string][]string)
	for _, name := range names {
		for _, prefix := range prefixes {
			if strings.HasPrefix(name, prefix+"_") {
				groups[prefix] = append(groups[prefix], name)
				break
			}
		}
	}
	for prefix := range groups {
		sort.Strings(groups[prefix])
	}
	return groups, nil
}
