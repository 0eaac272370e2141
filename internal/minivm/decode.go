package minivm

// Instruction word layout (32 bits, little-endian in memory, decoded to
// a host uint32 before field extraction):
//
//	[31:24] opcode   (8 bits)
//	[23:20] rd       (4 bits)
//	[19:16] rs       (4 bits)
//	[15:12] rt       (4 bits, second ALU source; unused by most forms)
//	[11:0]  imm12    (12 bits, sign-extended where the instruction calls
//	                  for a signed immediate; zero-extended for absolute
//	                  jump targets per §4.2/§9)
//
// LDI32 is the one two-word form: word 1 carries opcode+rd as above with
// imm12 unused, word 2 is the raw 32-bit literal.
type decoded struct {
	opcode Opcode
	rd     int
	rs     int
	rt     int
	imm12  uint16 // raw 12-bit field, caller sign/zero-extends as needed
}

func decode(word uint32) decoded {
	return decoded{
		opcode: Opcode(word >> 24),
		rd:     int(word>>20) & 0xF,
		rs:     int(word>>16) & 0xF,
		rt:     int(word>>12) & 0xF,
		imm12:  uint16(word & 0xFFF),
	}
}

// signExtend12 sign-extends a 12-bit field to int32.
func signExtend12(v uint16) int32 {
	x := int32(v)
	if x&0x800 != 0 {
		x |= ^int32(0xFFF)
	}
	return x
}
