// Package x86 translates x86 and x86-64 machine code into the gadget IR and
// scans executable segments for gadget candidates.
package x86

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/benbjohnson/rop"
)

// Architectures. Register ids follow the hardware encoding order so that
// general purpose registers map directly to their x86asm index.
var (
	Arch32 = rop.MustNewArchitecture("x86", 32, []string{
		"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
		"eip", "zf",
	}, "esp", "eip")

	Arch64 = rop.MustNewArchitecture("x86-64", 64, []string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "zf",
	}, "rsp", "rip")
)

// ArchForMode returns the architecture for a processor mode of 32 or 64 bits.
func ArchForMode(mode int) *rop.Architecture {
	if mode == 64 {
		return Arch64
	}
	return Arch32
}

// regOperand returns the IR register id and width for a hardware register.
// The legacy high byte registers and segment registers are not modeled.
func regOperand(mode int, r x86asm.Reg) (id uint32, width uint, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return uint32(r - x86asm.AL), 8, true
	case r >= x86asm.SPB && r <= x86asm.R15B && mode == 64:
		return uint32(r-x86asm.SPB) + 4, 8, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		id, width = uint32(r-x86asm.AX), 16
	case r >= x86asm.EAX && r <= x86asm.R15L:
		id, width = uint32(r-x86asm.EAX), 32
	case r >= x86asm.RAX && r <= x86asm.R15 && mode == 64:
		id, width = uint32(r-x86asm.RAX), 64
	default:
		return 0, 0, false
	}
	if mode != 64 && id >= 8 {
		return 0, 0, false
	}
	return id, width, true
}
