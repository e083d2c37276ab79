package arch

// AArch64 instruction immediate field encoding.

type aarch64ImmType int

const (
	aarch64ImmAdr aarch64ImmType = iota
	aarch64Imm26
	aarch64Imm19
	aarch64Imm16
	aarch64Imm14
	aarch64Imm12
	aarch64Imm9
)

const (
	faultBrkImm     = 0x100
	aarch64BreakMon = 0xd4200000

	// aarch64BreakFault is the poison encoding: an instruction word already
	// set to it is left untouched by the encoder.
	aarch64BreakFault = aarch64BreakMon | (faultBrkImm << 5)
)

// ADR/ADRP split their 21-bit immediate: the low 2 bits live at 30:29, the
// high 19 bits at 23:5.
const (
	adrImmHiLoSplit = 2
	adrImmSize      = 2 * 1024 * 1024
	adrImmLoMask    = 1<<adrImmHiLoSplit - 1
	adrImmHiMask    = adrImmSize>>adrImmHiLoSplit - 1
	adrImmLoShift   = 29
	adrImmHiShift   = 5
)

func aarch64ImmShiftMask(typ aarch64ImmType) (shift int, mask uint32, ok bool) {
	switch typ {
	case aarch64Imm26:
		return 0, 1<<26 - 1, true
	case aarch64Imm19:
		return 5, 1<<19 - 1, true
	case aarch64Imm16:
		return 5, 1<<16 - 1, true
	case aarch64Imm14:
		return 5, 1<<14 - 1, true
	case aarch64Imm12:
		return 10, 1<<12 - 1, true
	case aarch64Imm9:
		return 12, 1<<9 - 1, true
	default:
		return 0, 0, false
	}
}

// aarch64EncodeImmediate re-encodes the immediate field selected by typ into
// insn and returns the new instruction word. Bits outside the field are
// preserved. A poisoned instruction is returned as-is.
func aarch64EncodeImmediate(typ aarch64ImmType, insn uint32, imm uint64) uint32 {
	if insn == aarch64BreakFault {
		return insn
	}

	var shift int
	var mask uint32

	if typ == aarch64ImmAdr {
		immlo := (uint32(imm) & adrImmLoMask) << adrImmLoShift
		imm >>= adrImmHiLoSplit
		immhi := (uint32(imm) & adrImmHiMask) << adrImmHiShift
		imm = uint64(immlo | immhi)
		mask = adrImmLoMask<<adrImmLoShift | adrImmHiMask<<adrImmHiShift
	} else {
		var ok bool
		shift, mask, ok = aarch64ImmShiftMask(typ)
		if !ok {
			return aarch64BreakFault
		}
	}

	insn &^= mask << shift
	insn |= (uint32(imm) & mask) << shift
	return insn
}
