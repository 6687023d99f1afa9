package cart

import "testing"

func TestMBC5_ROMBanking(t *testing.T) {
	rom := make([]byte, 1024*1024)
	for bank := 0; bank < 16; bank++ {
		rom[bank*0x4000] = byte(bank)
	}
	m := NewMBC5(rom, 0)

	if got := m.Read(0x4000); got != 0x01 {
		t.Fatalf("default bank1 read got %02X want 01", got)
	}

	m.Write(0x2000, 0x09) // low 8 bits of bank
	if got := m.Read(0x4000); got != 0x09 {
		t.Fatalf("bank9 read got %02X want 09", got)
	}

	// Bank 0 is valid on MBC5 (unlike MBC1/MBC3)
	m.Write(0x2000, 0x00)
	if got := m.Read(0x4000); got != 0x00 {
		t.Fatalf("bank0 read got %02X want 00", got)
	}
}

func TestMBC5_RAMBanking(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC5(rom, 4*8*1024)
	m.Write(0x0000, 0x0A) // RAM enable
	m.Write(0x4000, 0x03) // RAM bank 3
	m.Write(0xA000, 0x21)
	if got := m.Read(0xA000); got != 0x21 {
		t.Fatalf("RAM bank3 RW failed: got %02X", got)
	}

	m.Write(0x4000, 0x00)
	if got := m.Read(0xA000); got == 0x21 {
		t.Fatalf("RAM bank0 unexpectedly aliases bank3 data")
	}
}

func TestMBC5_SaveState_RoundTrip(t *testing.T) {
	rom := make([]byte, 1024*1024)
	m := NewMBC5(rom, 8*1024)
	m.Write(0x0000, 0x0A)
	m.Write(0x2000, 0x2A)
	m.Write(0x3000, 0x01) // high bit of ROM bank
	m.Write(0xA000, 0x7F)

	data := m.SaveState()

	n := NewMBC5(rom, 8*1024)
	n.LoadState(data)
	if got := n.Read(0x4000); got != m.Read(0x4000) {
		t.Fatalf("ROM bank after LoadState got %02X want %02X", got, m.Read(0x4000))
	}
	if got := n.Read(0xA000); got != 0x7F {
		t.Fatalf("RAM after LoadState got %02X want 7F", got)
	}
}
