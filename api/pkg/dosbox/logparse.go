package dosbox

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

var (
	// A register dump block starts at an EAX assignment and runs until the
	// next one (or end of log).
	blockStartRe = regexp.MustCompile(`EAX[=:][0-9A-Fa-f]{8}`)

	wideRegisterNames    = []string{"EAX", "EBX", "ECX", "EDX", "ESI", "EDI", "EBP", "ESP", "EIP", "EFLAGS"}
	segmentRegisterNames = []string{"CS", "DS", "ES", "SS", "FS", "GS"}
)

// ParseRegisters extracts the most recent register dump from a debug log.
// The last block wins: each SR command appends a fresh dump, and callers
// want the final guest state. A missing file or a log with no dumps yields
// an empty register file, not an error.
func ParseRegisters(logPath string) (types.Registers, error) {
	raw, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Registers{}, nil
		}
		return nil, err
	}
	return ParseRegistersText(string(raw)), nil
}

// ParseRegistersText parses the last register dump block out of log text.
func ParseRegistersText(text string) types.Registers {
	starts := blockStartRe.FindAllStringIndex(text, -1)
	if len(starts) == 0 {
		// No dump block; fall back to scanning the whole text so partial
		// logs without an EAX line still yield what they have.
		return parseBlock(text)
	}
	return parseBlock(text[starts[len(starts)-1][0]:])
}

func parseBlock(block string) types.Registers {
	regs := types.Registers{}
	for _, name := range wideRegisterNames {
		if v, ok := findHex(block, name, 8); ok {
			regs[strings.ToLower(name)] = v
		}
	}
	for _, name := range segmentRegisterNames {
		if v, ok := findHex(block, name, 4); ok {
			regs[strings.ToLower(name)] = v
		}
	}
	return regs
}

func findHex(text, register string, digits int) (uint32, bool) {
	re := regexp.MustCompile(register + `[=:]([0-9A-Fa-f]{` + strconv.Itoa(digits) + `})`)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
