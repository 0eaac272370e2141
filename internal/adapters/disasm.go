package adapters

import (
	"fmt"

	"github.com/hanseinar/hsx/internal/minivm"
)

// Line is one disassembled instruction (`disasm{pid, addr, count}`'s
// result array).
type Line struct {
	Address uint32 `json:"address"`
	Word    uint32 `json:"word"`
	Text    string `json:"text"`
	Symbol  string `json:"symbol,omitempty"`
}

// Disassemble renders count instructions starting at addr from mem,
// annotating addresses with symbols when syms is non-nil. mem is read
// through the same word-fetch contract minivm.Memory exposes, decoded
// with minivm.Decode so the mnemonic table lives in one place.
func Disassemble(mem *minivm.Memory, addr uint32, count int, syms *SymbolTable) []Line {
	out := make([]Line, 0, count)
	for i := 0; i < count; i++ {
		word, ok := mem.Read32(addr)
		if !ok {
			break
		}
		d := minivm.Decode(word)
		line := Line{Address: addr, Word: word, Text: formatInstruction(d)}
		if name, found := syms.Resolve(addr); found {
			line.Symbol = name
		}
		out = append(out, line)

		addr += 4
		if d.Opcode == minivm.OpLDI32 {
			addr += 4 // second word is a data literal, not an instruction
		}
	}
	return out
}

func formatInstruction(d minivm.DecodedInstruction) string {
	switch d.Opcode {
	case minivm.OpNOP, minivm.OpHALT, minivm.OpRET:
		return d.Opcode.String()
	case minivm.OpLDI:
		return fmt.Sprintf("%s R%d, %d", d.Opcode, d.Rd, minivm.SignExtend12(d.Imm12))
	case minivm.OpLDI32:
		return fmt.Sprintf("%s R%d, <word>", d.Opcode, d.Rd)
	case minivm.OpMOV, minivm.OpNOT, minivm.OpI2F, minivm.OpF2I:
		return fmt.Sprintf("%s R%d, R%d", d.Opcode, d.Rd, d.Rs)
	case minivm.OpJMP, minivm.OpJZ, minivm.OpJNZ, minivm.OpCALL:
		return fmt.Sprintf("%s %#x", d.Opcode, uint32(d.Imm12)<<2)
	case minivm.OpSVC:
		return fmt.Sprintf("%s mod=%#x, fn=%#x", d.Opcode, (d.Imm12>>8)&0xF, d.Imm12&0xFF)
	case minivm.OpLD, minivm.OpLDB, minivm.OpLDH:
		return fmt.Sprintf("%s R%d, [R%d+%d]", d.Opcode, d.Rd, d.Rs, minivm.SignExtend12(d.Imm12))
	case minivm.OpST, minivm.OpSTB, minivm.OpSTH:
		return fmt.Sprintf("%s [R%d+%d], R%d", d.Opcode, d.Rs, minivm.SignExtend12(d.Imm12), d.Rd)
	default:
		return fmt.Sprintf("%s R%d, R%d, R%d", d.Opcode, d.Rd, d.Rs, d.Rt)
	}
}
