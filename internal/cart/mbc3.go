package cart

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// nowUnix is a seam for tests to control wall-clock time against the RTC.
var nowUnix = func() int64 { return time.Now().Unix() }

// MBC3 implements ROM/RAM banking plus the MBC3 real-time clock.
// Banking behavior:
// - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
// - 2000-3FFF: ROM bank low 7 bits (0 maps to 1)
// - 4000-5FFF: RAM bank (0-3) or RTC register select (08-0C)
// - 6000-7FFF: latch clock on a 0->1 write
// - A000-BFFF: external RAM, or the latched RTC register if one is selected
// ROM: bank 0 fixed at 0000-3FFF; switchable 4000-7FFF uses bank (1..127)
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	ramBank    byte // 0..3 (others ignored to 0)

	rtcSelect byte // 0: none selected; 0x08-0x0C: RTC register selected

	rtcSec, rtcMin, rtcHour byte
	rtcDay                  uint16 // 9-bit day counter (0-511)
	rtcHalt, rtcCarry       bool
	lastRTCWallSec          int64

	latchPrev                                                byte
	latchSec, latchMin, latchHour, latchDayLow, latchDayHigh byte
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom, lastRTCWallSec: nowUnix()}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	return m
}

// updateRTC advances the clock by however much wall-clock time has passed
// since the last call, unless the clock is halted. Called on every bus
// access so reads observe an up-to-date live clock even between latches.
func (m *MBC3) updateRTC() {
	now := nowUnix()
	elapsed := now - m.lastRTCWallSec
	m.lastRTCWallSec = now
	if elapsed <= 0 || m.rtcHalt {
		return
	}
	total := int64(m.rtcDay)*86400 + int64(m.rtcHour)*3600 + int64(m.rtcMin)*60 + int64(m.rtcSec) + elapsed
	days := total / 86400
	rem := total % 86400
	if days >= 512 {
		days %= 512
		m.rtcCarry = true
	}
	m.rtcDay = uint16(days)
	m.rtcHour = byte(rem / 3600)
	rem %= 3600
	m.rtcMin = byte(rem / 60)
	m.rtcSec = byte(rem % 60)
}

func (m *MBC3) Read(addr uint16) byte {
	m.updateRTC()
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if m.rtcSelect != 0 {
			switch m.rtcSelect {
			case 0x08:
				return m.latchSec
			case 0x09:
				return m.latchMin
			case 0x0A:
				return m.latchHour
			case 0x0B:
				return m.latchDayLow
			case 0x0C:
				return m.latchDayHigh
			}
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	m.updateRTC()
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		switch {
		case value <= 0x03:
			m.ramBank = value & 0x03
			m.rtcSelect = 0
		case value >= 0x08 && value <= 0x0C:
			m.rtcSelect = value
		default:
			m.ramBank = 0
			m.rtcSelect = 0
		}
	case addr < 0x8000:
		if m.latchPrev == 0 && value == 1 {
			m.latchSec = m.rtcSec
			m.latchMin = m.rtcMin
			m.latchHour = m.rtcHour
			m.latchDayLow = byte(m.rtcDay & 0xFF)
			dayHigh := byte((m.rtcDay >> 8) & 0x01)
			if m.rtcHalt {
				dayHigh |= 0x40
			}
			if m.rtcCarry {
				dayHigh |= 0x80
			}
			m.latchDayHigh = dayHigh
		}
		m.latchPrev = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.rtcSelect != 0 {
			switch m.rtcSelect {
			case 0x08:
				m.rtcSec = value % 60
			case 0x09:
				m.rtcMin = value % 60
			case 0x0A:
				m.rtcHour = value % 24
			case 0x0B:
				m.rtcDay = (m.rtcDay &^ 0xFF) | uint16(value)
			case 0x0C:
				m.rtcDay = (m.rtcDay & 0xFF) | (uint16(value&0x01) << 8)
				m.rtcHalt = value&0x40 != 0
				m.rtcCarry = value&0x80 != 0
			}
			return
		}
		if len(m.ram) == 0 {
			return
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

// BatteryBacked implementation: persists external RAM and the full RTC.
func (m *MBC3) SaveRAM() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc3BatteryState{
		RAM: m.ram,
		Sec: m.rtcSec, Min: m.rtcMin, Hour: m.rtcHour, Day: m.rtcDay,
		Halt: m.rtcHalt, Carry: m.rtcCarry, LastWallSec: m.lastRTCWallSec,
	})
	return buf.Bytes()
}

func (m *MBC3) LoadRAM(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var s mbc3BatteryState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("mbc3: decoding save data: %w", err)
	}
	if len(s.RAM) != len(m.ram) {
		return fmt.Errorf("mbc3: save-RAM size mismatch: got %d bytes want %d", len(s.RAM), len(m.ram))
	}
	copy(m.ram, s.RAM)
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.Sec, s.Min, s.Hour, s.Day
	m.rtcHalt, m.rtcCarry, m.lastRTCWallSec = s.Halt, s.Carry, s.LastWallSec
	return nil
}

type mbc3BatteryState struct {
	RAM                     []byte
	Sec, Min, Hour          byte
	Day                     uint16
	Halt, Carry             bool
	LastWallSec             int64
}

type mbc3State struct {
	RAM        []byte
	RamEnabled bool
	RomBank    byte
	RamBank    byte
	RTCSelect  byte

	RtcSec, RtcMin, RtcHour byte
	RtcDay                  uint16
	RtcHalt, RtcCarry       bool
	LastRTCWallSec          int64

	LatchPrev                                                byte
	LatchSec, LatchMin, LatchHour, LatchDayLow, LatchDayHigh byte
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc3State{
		RAM: m.ram, RamEnabled: m.ramEnabled, RomBank: m.romBank, RamBank: m.ramBank,
		RTCSelect: m.rtcSelect,
		RtcSec:    m.rtcSec, RtcMin: m.rtcMin, RtcHour: m.rtcHour, RtcDay: m.rtcDay,
		RtcHalt: m.rtcHalt, RtcCarry: m.rtcCarry, LastRTCWallSec: m.lastRTCWallSec,
		LatchPrev: m.latchPrev,
		LatchSec:  m.latchSec, LatchMin: m.latchMin, LatchHour: m.latchHour,
		LatchDayLow: m.latchDayLow, LatchDayHigh: m.latchDayHigh,
	})
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if len(s.RAM) == len(m.ram) {
		copy(m.ram, s.RAM)
	}
	m.ramEnabled, m.romBank, m.ramBank = s.RamEnabled, s.RomBank, s.RamBank
	m.rtcSelect = s.RTCSelect
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.RtcSec, s.RtcMin, s.RtcHour, s.RtcDay
	m.rtcHalt, m.rtcCarry, m.lastRTCWallSec = s.RtcHalt, s.RtcCarry, s.LastRTCWallSec
	m.latchPrev = s.LatchPrev
	m.latchSec, m.latchMin, m.latchHour = s.LatchSec, s.LatchMin, s.LatchHour
	m.latchDayLow, m.latchDayHigh = s.LatchDayLow, s.LatchDayHigh
}
