package arch

// LoongArch instruction formats, as bitfields over a 32-bit word. Each setter
// replaces only the format's immediate field and preserves every other bit.
//
//	reg0i26: opcode[31:26] | imm_l[25:10] | imm_h[9:0]     (B / BL)
//	reg1i20: opcode[31:25] | imm[24:5]    | rd[4:0]        (LU12I / PCADDU12I)
//	reg1i21: opcode[31:26] | imm_l[25:10] | rj[9:5] | imm_h[4:0]
//	reg2i12: opcode[31:22] | imm[21:10]   | rj[9:5] | rd[4:0]
//	reg2i16: opcode[31:26] | imm[25:10]   | rj[9:5] | rd[4:0]

func reg0i26SetImm(insn, imm uint32) uint32 {
	lo := imm & 0xffff
	hi := (imm >> 16) & 0x3ff
	insn &^= 0xffff<<10 | 0x3ff
	return insn | lo<<10 | hi
}

func reg1i20SetImm(insn, imm uint32) uint32 {
	insn &^= 0xfffff << 5
	return insn | (imm&0xfffff)<<5
}

func reg1i21SetImm(insn, imm uint32) uint32 {
	lo := imm & 0xffff
	hi := (imm >> 16) & 0x1f
	insn &^= 0xffff<<10 | 0x1f
	return insn | lo<<10 | hi
}

func reg2i12SetImm(insn, imm uint32) uint32 {
	insn &^= 0xfff << 10
	return insn | (imm&0xfff)<<10
}

func reg2i16SetImm(insn, imm uint32) uint32 {
	insn &^= 0xffff << 10
	return insn | (imm&0xffff)<<10
}

// reg2i12SetImm5 sets the 5-bit immediate at bits 14:10 used by the
// shift-by-constant forms.
func reg2i12SetImm5(insn, imm uint32) uint32 {
	insn &^= 0x1f << 10
	return insn | (imm&0x1f)<<10
}
