package cpu

import (
	"testing"

	"github.com/dmgcore/dmgcore/internal/bus"
)

func newCPUWithROM(code []byte) *CPU {
	rom := make([]byte, 0x8000)
	copy(rom, code)
	b := bus.New(rom)
	c := New(b)
	return c
}

func TestCPU_NopAndPC(t *testing.T) {
	c := newCPUWithROM([]byte{0x00}) // NOP
	if cycles := c.Step(); cycles != 4 {
		t.Fatalf("NOP cycles got %d want 4", cycles)
	}
	if c.PC != 1 {
		t.Fatalf("PC after NOP got %#04x want 0x0001", c.PC)
	}
}

func TestCPU_LD_A_d8_And_XOR_A(t *testing.T) {
	c := newCPUWithROM([]byte{0x3E, 0x12, 0xAF}) // LD A,0x12; XOR A
	c.Step()                                     // LD
	if c.A != 0x12 {
		t.Fatalf("A after LD got %02x want 12", c.A)
	}
	c.Step() // XOR A
	if c.A != 0x00 {
		t.Fatalf("A after XOR got %02x want 00", c.A)
	}
	if (c.F & 0x80) == 0 { // Z flag
		t.Fatalf("Z flag not set after XOR A")
	}
}

func TestCPU_LD_a16_A_and_LD_A_a16(t *testing.T) {
	// Program: LD A,0x77; LD (0xC000),A; LD A,0x00; LD A,(0xC000)
	prog := []byte{0x3E, 0x77, 0xEA, 0x00, 0xC0, 0x3E, 0x00, 0xFA, 0x00, 0xC0}
	c := newCPUWithROM(prog)
	c.Step() // LD A,77
	c.Step() // LD (C000),A
	if a := c.bus.Read(0xC000); a != 0x77 {
		t.Fatalf("WRAM at C000 got %02x want 77", a)
	}
	c.Step() // LD A,00
	c.Step() // LD A,(C000)
	if c.A != 0x77 {
		t.Fatalf("A after LD A,(C000) got %02x want 77", c.A)
	}
}

func TestCPU_JP_and_JR(t *testing.T) {
	// JP to 0x0010 then JR -2 to loop
	prog := []byte{0xC3, 0x10, 0x00} // at 0x0000: JP 0x0010
	// Fill until 0x0010 with NOPs
	rom := make([]byte, 0x8000)
	copy(rom, prog)
	for i := 0x0003; i < 0x0010; i++ {
		rom[i] = 0x00
	}
	// at 0x0010: JR -2 (0xFE), which will hop back to 0x0010 itself (infinite)
	rom[0x0010] = 0x18
	rom[0x0011] = 0xFE
	b := bus.New(rom)
	c := New(b)
	cycles := c.Step() // JP
	if cycles != 16 || c.PC != 0x0010 {
		t.Fatalf("JP cycles=%d PC=%#04x want cycles=16 PC=0x0010", cycles, c.PC)
	}
	pcBefore := c.PC
	c.Step()              // JR -2
	if c.PC != pcBefore { // stays at 0x0010
		t.Fatalf("JR -2 PC got %#04x want %#04x", c.PC, pcBefore)
	}
}

func TestCPU_INC_B_Flags(t *testing.T) {
	c := newCPUWithROM([]byte{0x04, 0x04}) // INC B twice
	c.B = 0x0F
	c.F = 0x10 // carry set initially
	c.Step()
	if c.B != 0x10 {
		t.Fatalf("INC B result got %02x want 10", c.B)
	}
	if (c.F & 0x20) == 0 { // H set
		t.Fatalf("INC B should set H flag")
	}
	if (c.F & 0x10) == 0 { // C preserved
		t.Fatalf("INC B should preserve C flag")
	}
	c.B = 0xFF
	c.Step()
	if c.B != 0x00 || (c.F&0x80) == 0 { // Z set
		t.Fatalf("INC B to 0 should set Z flag, B=%02x, F=%02x", c.B, c.F)
	}
}

func TestCPU_LD_16bit_and_LDH(t *testing.T) {
	// Program:
	// LD HL,0xC000; LD (HL),0x5A; LD A,0x00; LD A,(0xFF00+0x00); LD (0xFF00+1),A
	prog := []byte{
		0x21, 0x00, 0xC0, // LD HL, C000
		0x36, 0x5A,       // LD (HL), 5A
		0x3E, 0x00,       // LD A, 00
		0xF0, 0x00,       // LD A, (FF00+0)
		0xE0, 0x01,       // LD (FF00+1), A
	}
	c := newCPUWithROM(prog)
	// Set JOYP select bits and place 0xA7 at HRAM FF80 (the program does not read it)
	c.Bus().Write(0xFF00, 0x20) // select dpad so read is deterministic
	c.Bus().Write(0xFF00, 0x30) // select none to keep 0x0F
	c.Bus().Write(0xFF80, 0xA7) // HRAM base

	c.Step(); c.Step(); c.Step(); c.Step(); c.Step()
	if v := c.Bus().Read(0xC000); v != 0x5A {
		t.Fatalf("WRAM C000 got %02x want 5A", v)
	}
	if v := c.Bus().Read(0xFF01); v != c.A {
		t.Fatalf("LDH (FF00+1),A expected write to FF01 with A=%02x got %02x", c.A, v)
	}
}

func TestCPU_CALL_RET(t *testing.T) {
	// 0000: CALL 0005; NOP; NOP; RET
	rom := make([]byte, 0x8000)
	rom[0x0000] = 0xCD
	rom[0x0001] = 0x05
	rom[0x0002] = 0x00
	for i := 0x0003; i < 0x0005; i++ { rom[i] = 0x00 }
	rom[0x0005] = 0xC9 // RET
	b := bus.New(rom)
	c := New(b)
	c.Step() // CALL
	if c.PC != 0x0005 {
		t.Fatalf("PC after CALL got %04x want 0005", c.PC)
	}
	retCycles := c.Step()
	if c.PC != 0x0003 || retCycles != 16 {
		t.Fatalf("RET did not return to 0003; PC=%04x cyc=%d", c.PC, retCycles)
	}
}

func TestCPU_LD_r_HL_Opcodes(t *testing.T) {
	// LD HL,C000; LD (HL),0x42; LD B,(HL); LD C,(HL); LD A,(HL)
	prog := []byte{
		0x21, 0x00, 0xC0,
		0x36, 0x42,
		0x46, // LD B,(HL)
		0x4E, // LD C,(HL)
		0x7E, // LD A,(HL)
	}
	c := newCPUWithROM(prog)
	c.Step() // LD HL,C000
	c.Step() // LD (HL),42
	c.Step() // LD B,(HL)
	if c.B != 0x42 {
		t.Fatalf("LD B,(HL) got %02x want 42", c.B)
	}
	c.Step() // LD C,(HL)
	if c.C != 0x42 {
		t.Fatalf("LD C,(HL) got %02x want 42", c.C)
	}
	c.Step() // LD A,(HL)
	if c.A != 0x42 {
		t.Fatalf("LD A,(HL) got %02x want 42", c.A)
	}
}

func TestCPU_HaltBug_DoubleFetch(t *testing.T) {
	// Arrange an interrupt already pending (timer overflow) with IME=0 and
	// the timer interrupt enabled, then HALT followed by INC A; INC A.
	// The halt bug should decode the INC A byte twice before PC advances
	// past it: PC stays put on the first post-HALT step, so after two steps A
	// is incremented twice while PC has moved past only one INC A byte.
	prog := []byte{0x76, 0x3C, 0x3C} // HALT; INC A; INC A
	c := newCPUWithROM(prog)
	c.Bus().Write(0xFFFF, 0x04) // IE: timer enabled
	c.Bus().Write(0xFF0F, 0x04) // IF: timer already pending
	c.IME = false

	c.Step() // HALT: sets haltBug since IME=0 and IE&IF != 0
	if !c.haltBug {
		t.Fatalf("expected haltBug to be set after HALT with pending interrupt and IME=0")
	}
	pcAfterHalt := c.PC
	c.Step() // first INC A after HALT: fetch must not advance PC (halt bug)
	if c.PC != pcAfterHalt {
		t.Fatalf("halt bug: PC advanced on the re-fetched opcode, got %04x want %04x", c.PC, pcAfterHalt)
	}
	if c.A != 1 {
		t.Fatalf("A after first post-HALT INC got %d want 1", c.A)
	}
	c.Step() // same INC A byte decoded again normally now; PC advances
	if c.PC != pcAfterHalt+1 {
		t.Fatalf("PC after second INC got %04x want %04x", c.PC, pcAfterHalt+1)
	}
	if c.A != 2 {
		t.Fatalf("A after second post-HALT INC got %d want 2", c.A)
	}
}

func TestCPU_STOP_IsTwoByteNoOp(t *testing.T) {
	c := newCPUWithROM([]byte{0x10, 0x00, 0x00}) // STOP 0
	cycles := c.Step()
	if c.PC != 2 {
		t.Fatalf("PC after STOP got %#04x want 0x0002", c.PC)
	}
	_ = cycles
}

func TestCPU_Halt_IdlesWithNoInterruptPending(t *testing.T) {
	// EI; HALT; INC A is the standard main-loop wait. With IME=1 and
	// nothing pending, HALT must keep idling rather than falling through
	// to execute INC A.
	prog := []byte{0xFB, 0x76, 0x3C}
	c := newCPUWithROM(prog)
	c.Bus().Write(0xFFFF, 0x00)
	c.Bus().Write(0xFF0F, 0x00)

	c.Step() // EI
	c.Step() // HALT: IME true by now, nothing pending -> idles
	if !c.halted {
		t.Fatalf("expected CPU to remain halted with no interrupt pending")
	}
	pc := c.PC
	cyc := c.Step() // still idling; must not execute INC A
	if c.PC != pc || c.A != 0 {
		t.Fatalf("HALT busy-ran past idle: PC %04x->%04x A=%d", pc, c.PC, c.A)
	}
	if cyc != 4 {
		t.Fatalf("idle HALT step cycles got %d want 4", cyc)
	}

	// Once an interrupt becomes pending, the next Step wakes and services it.
	c.Bus().Write(0xFFFF, 0x01)
	c.Bus().Write(0xFF0F, 0x01)
	c.Step()
	if c.halted {
		t.Fatalf("expected CPU to wake once an enabled interrupt is pending")
	}
}

func TestCPU_EI_DelaysIMEByOneInstruction(t *testing.T) {
	// EI; DI must never let an interrupt through: IME is scheduled to
	// become true only after the instruction following EI, and DI cancels
	// that before it ever takes effect.
	prog := []byte{0xFB, 0xF3, 0x00} // EI; DI; NOP
	c := newCPUWithROM(prog)
	c.Bus().Write(0xFFFF, 0x01)
	c.Bus().Write(0xFF0F, 0x01) // VBlank already pending throughout

	c.Step() // EI
	if c.IME {
		t.Fatalf("IME must not be true immediately after EI")
	}
	c.Step() // DI: cancels the scheduled enable before it lands
	if c.IME {
		t.Fatalf("IME must not be true after EI;DI")
	}
	pc := c.PC
	c.Step() // NOP: no interrupt should have been serviced
	if c.PC != pc+1 {
		t.Fatalf("interrupt was serviced despite EI;DI, PC got %04x want %04x", c.PC, pc+1)
	}
}

func TestCPU_EI_EnablesAfterFollowingInstruction(t *testing.T) {
	// EI; NOP; NOP with an interrupt already pending must not service it
	// until the instruction after the one following EI.
	prog := []byte{0xFB, 0x00, 0x00} // EI; NOP; NOP
	c := newCPUWithROM(prog)
	c.Bus().Write(0xFFFF, 0x01)
	c.Bus().Write(0xFF0F, 0x01) // VBlank already pending

	c.Step() // EI: IME still false this step and the next
	if c.IME {
		t.Fatalf("IME must not be true on the EI step itself")
	}
	pcBeforeNOP := c.PC
	c.Step() // instruction right after EI: must execute normally, not be interrupted
	if c.IME {
		t.Fatalf("IME must still be false while the instruction after EI executes")
	}
	if c.PC != pcBeforeNOP+1 {
		t.Fatalf("instruction after EI was not executed in place, PC got %04x want %04x", c.PC, pcBeforeNOP+1)
	}
	// Now IME is live and the pending interrupt must be serviced instead
	// of the second NOP.
	c.Step()
	if c.PC != 0x40 {
		t.Fatalf("pending interrupt not serviced on the step after EI's delay, PC got %04x want 0x0040", c.PC)
	}
}

func TestCPU_SaveState_RoundTrip(t *testing.T) {
	c := newCPUWithROM([]byte{0x00})
	c.A, c.F, c.B, c.C = 0x11, 0x20, 0x33, 0x44
	c.SP, c.PC = 0xFFF0, 0x1234
	c.IME = true
	c.haltBug = true

	data := c.SaveState()

	n := newCPUWithROM([]byte{0x00})
	n.LoadState(data)
	if n.A != c.A || n.F != c.F || n.B != c.B || n.C != c.C {
		t.Fatalf("8-bit registers did not round-trip: got A=%02x F=%02x B=%02x C=%02x", n.A, n.F, n.B, n.C)
	}
	if n.SP != c.SP || n.PC != c.PC {
		t.Fatalf("SP/PC did not round-trip: got SP=%04x PC=%04x", n.SP, n.PC)
	}
	if n.IME != c.IME || n.haltBug != c.haltBug {
		t.Fatalf("IME/haltBug did not round-trip: got IME=%v haltBug=%v", n.IME, n.haltBug)
	}
}

