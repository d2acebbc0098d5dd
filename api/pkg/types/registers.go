package types

import "fmt"

// Registers is a guest CPU register file keyed by lowercase register name.
// A full dump carries all names in GeneralRegisterNames and
// SegmentRegisterNames; parsers that only recover a subset (the DOSBox-X log
// parser) leave the missing keys absent.
type Registers map[string]uint32

// GeneralRegisterNames lists the 32-bit registers in the order the GDB stub
// reports them in a "g" reply.
var GeneralRegisterNames = []string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "eip", "eflags",
}

// SegmentRegisterNames lists the 16-bit segment registers, again in GDB stub
// order.
var SegmentRegisterNames = []string{"cs", "ss", "ds", "es", "fs", "gs"}

var segmentRegisterSet = map[string]bool{
	"cs": true, "ss": true, "ds": true, "es": true, "fs": true, "gs": true,
}

// IsSegmentRegister reports whether name is one of the six 16-bit segment
// registers.
func IsSegmentRegister(name string) bool {
	return segmentRegisterSet[name]
}

// FormatValue renders a register value with the conventional width: %04X for
// segment registers, %08X otherwise.
func FormatValue(name string, value uint32) string {
	if IsSegmentRegister(name) {
		return fmt.Sprintf("0x%04X", value)
	}
	return fmt.Sprintf("0x%08X", value)
}

// Clone returns an independent copy of the register file.
func (r Registers) Clone() Registers {
	out := make(Registers, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
