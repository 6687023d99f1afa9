package emu

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dmgcore/dmgcore/internal/bus"
	"github.com/dmgcore/dmgcore/internal/cart"
	"github.com/dmgcore/dmgcore/internal/cpu"
)

// cgbCompatSetNames and cgbCompatSets are the curated boot-palette tints
// available for DMG cartridges run in CGB compatibility mode (see
// compat_tables.go, which picks a default ID per title). Each set holds
// four RGB triples for shade indices 0 (lightest) through 3 (darkest).
var cgbCompatSetNames = []string{"Green", "Sepia", "Blue", "Red", "Pastel", "Gray"}

var cgbCompatSets = [][4][3]byte{
	{{0xE0, 0xF8, 0xD0}, {0x88, 0xC0, 0x70}, {0x34, 0x68, 0x56}, {0x08, 0x18, 0x20}}, // Green
	{{0xF8, 0xE8, 0xC8}, {0xD0, 0xA0, 0x68}, {0x90, 0x60, 0x38}, {0x38, 0x20, 0x18}}, // Sepia
	{{0xE0, 0xF0, 0xF8}, {0x78, 0xA8, 0xD8}, {0x38, 0x58, 0x90}, {0x10, 0x18, 0x38}}, // Blue
	{{0xF8, 0xE0, 0xE0}, {0xE0, 0x80, 0x80}, {0x98, 0x38, 0x38}, {0x38, 0x10, 0x10}}, // Red
	{{0xF8, 0xF0, 0xF8}, {0xD8, 0xB8, 0xD8}, {0x98, 0x80, 0xA0}, {0x48, 0x38, 0x50}}, // Pastel
	{{0xFF, 0xFF, 0xFF}, {0xAA, 0xAA, 0xAA}, {0x55, 0x55, 0x55}, {0x00, 0x00, 0x00}}, // Gray
}

// dmgGrayscale is the default, untinted DMG 4-shade palette.
var dmgGrayscale = [4][3]byte{
	{0xE0, 0xF0, 0xE0}, {0x88, 0xA0, 0x88}, {0x48, 0x58, 0x48}, {0x10, 0x18, 0x10},
}

// Buttons is the host's snapshot of which Game Boy buttons are currently
// held, sampled once per StepFrame.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.Right {
		m |= bus.JoypRight
	}
	if b.Left {
		m |= bus.JoypLeft
	}
	if b.Up {
		m |= bus.JoypUp
	}
	if b.Down {
		m |= bus.JoypDown
	}
	if b.A {
		m |= bus.JoypA
	}
	if b.B {
		m |= bus.JoypB
	}
	if b.Select {
		m |= bus.JoypSelectBtn
	}
	if b.Start {
		m |= bus.JoypStart
	}
	return m
}

// dotsPerFrame is the DMG's fixed 154-line, 456-dot-per-line frame length.
const dotsPerFrame = 456 * 154

// Machine wires a CPU, Bus, PPU, and APU into one runnable DMG session and
// presents the host-facing API: ROM/state/battery IO, stepping, input, and
// the handful of CGB-compatibility-palette knobs a DMG-only core still
// needs for games that ship both DMG and CGB boot palettes.
type Machine struct {
	cfg Config

	bus *bus.Bus
	cpu *cpu.CPU

	w, h int
	fb   []byte // RGBA 160x144*4

	bootROM []byte
	romPath string
	header  *cart.Header

	wantCGBColors bool
	useCGBBG      bool
	compatPalette int
}

// New creates a Machine with no cartridge loaded. Call LoadCartridge or
// LoadROMFromFile before stepping.
func New(cfg Config) *Machine {
	return &Machine{
		cfg: cfg, w: 160, h: 144,
		fb:            make([]byte, 160*144*4),
		compatPalette: -1,
	}
}

// SetBootROM stores a DMG boot ROM image to be mapped over the cartridge's
// first 256 bytes on the next LoadCartridge/ResetWithBoot.
func (m *Machine) SetBootROM(data []byte) {
	m.bootROM = append([]byte(nil), data...)
	if m.bus != nil {
		m.bus.SetBootROM(m.bootROM)
	}
}

// LoadCartridge wires a fresh Bus/CPU/PPU/APU around rom and resets to the
// typical DMG post-boot register state (or boots through boot if one was
// set via SetBootROM or passed here).
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return err
	}
	if len(boot) > 0 && len(boot) != 0x100 {
		return fmt.Errorf("emu: boot ROM must be 256 bytes, got %d", len(boot))
	}
	m.header = h
	m.bus = bus.New(rom)
	m.cpu = cpu.New(m.bus)
	if len(boot) > 0 {
		m.bootROM = append([]byte(nil), boot...)
	}
	if len(m.bootROM) >= 0x100 {
		m.bus.SetBootROM(m.bootROM)
		m.cpu.SetPC(0x0000)
	} else {
		m.resetPostBootRegs()
	}
	m.useCGBBG = false
	m.compatPalette = -1
	return nil
}

// LoadROMFromFile reads path and loads it as the current cartridge,
// recording path for ROMPath/window-title/save-path purposes.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(data, m.bootROM); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the path most recently passed to LoadROMFromFile, or ""
// if the current cartridge was loaded via LoadCartridge directly.
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the cartridge header's title, or "" if none is loaded.
func (m *Machine) ROMTitle() string {
	if m.header == nil {
		return ""
	}
	return m.header.Title
}

// SetSerialWriter attaches a sink for outgoing serial bytes; see
// bus.Bus.SetSerialWriter.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// ConnectSerial installs a two-way serial link callback; see
// bus.Bus.ConnectSerial.
func (m *Machine) ConnectSerial(fn bus.SerialFunc) {
	if m.bus != nil {
		m.bus.ConnectSerial(fn)
	}
}

// LoadBattery loads cartridge RAM from a .sav image, if the current
// cartridge is battery-backed. Returns an error if there's no cartridge,
// the cartridge has no battery-backed RAM, or data's size doesn't match
// the header's declared RAM size.
func (m *Machine) LoadBattery(data []byte) error {
	if m.bus == nil {
		return errNoCartridge
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return errors.New("emu: cartridge has no battery-backed RAM")
	}
	// MBC3 wraps RAM together with RTC state in its own save format, so its
	// serialized size doesn't correspond to the header's raw RAM-size field;
	// MBC3.LoadRAM validates its own payload instead.
	switch m.bus.Cart().(type) {
	case *cart.MBC1, *cart.MBC5:
		if m.header != nil {
			if err := m.header.ValidateSaveRAMSize(data); err != nil {
				return err
			}
		}
	}
	return bb.LoadRAM(data)
}

// SaveBattery returns the current cartridge RAM for persistence to a .sav
// file. ok is false if the cartridge has no battery-backed RAM.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.bus == nil {
		return nil, false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	data := bb.SaveRAM()
	return data, data != nil
}

// resetPostBootRegs re-seeds CPU/bus register state as if the boot ROM had
// just handed off control, without re-parsing the cartridge.
func (m *Machine) resetPostBootRegs() {
	if m.cpu == nil || m.bus == nil {
		return
	}
	m.cpu.ResetNoBoot()
	m.bus.Write(0xFF00, 0xCF)
	m.bus.Write(0xFF05, 0x00)
	m.bus.Write(0xFF06, 0x00)
	m.bus.Write(0xFF07, 0x00)
	m.bus.Write(0xFF40, 0x91)
	m.bus.Write(0xFF42, 0x00)
	m.bus.Write(0xFF43, 0x00)
	m.bus.Write(0xFF45, 0x00)
	m.bus.Write(0xFF47, 0xFC)
	m.bus.Write(0xFF48, 0xFF)
	m.bus.Write(0xFF49, 0xFF)
	m.bus.Write(0xFF4A, 0x00)
	m.bus.Write(0xFF4B, 0x00)
	m.bus.Write(0xFF50, 0x01)
	m.bus.Write(0xFFFF, 0x00)
}

// ResetPostBoot restarts the current cartridge straight into the typical
// DMG post-boot register state, skipping the boot ROM and disabling any
// CGB compatibility tinting.
func (m *Machine) ResetPostBoot() {
	m.resetPostBootRegs()
	m.useCGBBG = false
}

// ResetCGBPostBoot is like ResetPostBoot but leaves CGB compatibility
// tinting engaged (useCompat should normally be true — it exists so a
// future hook can force it off while still routing through this path).
// If no compat palette has been chosen yet, one is picked automatically
// from the cartridge header.
func (m *Machine) ResetCGBPostBoot(useCompat bool) {
	m.resetPostBootRegs()
	m.useCGBBG = useCompat
	if useCompat && m.compatPalette < 0 {
		if id, ok := autoCompatPaletteFromHeader(m.header); ok {
			m.compatPalette = id
		}
	}
}

// ResetWithBoot restarts the current cartridge by re-running the boot ROM
// set via SetBootROM, if any; otherwise it behaves like ResetPostBoot.
func (m *Machine) ResetWithBoot() {
	if m.bus == nil {
		return
	}
	if len(m.bootROM) < 0x100 {
		m.ResetPostBoot()
		return
	}
	m.cpu = cpu.New(m.bus)
	m.bus.SetBootROM(m.bootROM)
	m.useCGBBG = false
}

// SetUseFetcherBG is retained for host settings-menu compatibility; this
// core always renders one atomic line per mode-3 entry via the fetcher
// path, so the flag has no further effect.
func (m *Machine) SetUseFetcherBG(v bool) { m.cfg.UseFetcherBG = v }

// SetUseCGBBG sets both the persisted "wants CGB colors" preference and
// the live tinting state together; a freshly loaded ROM resets the live
// state but remembers the preference (see LoadCartridge/WantCGBColors).
func (m *Machine) SetUseCGBBG(v bool) {
	m.wantCGBColors = v
	m.useCGBBG = v
}

// UseCGBBG reports whether the current session is actively tinting output
// through a CGB compatibility palette.
func (m *Machine) UseCGBBG() bool { return m.useCGBBG }

// WantCGBColors reports the persisted user preference, independent of
// whether the currently loaded ROM has re-engaged it yet.
func (m *Machine) WantCGBColors() bool { return m.wantCGBColors }

// IsCGBCompat reports whether the loaded cartridge is a DMG-targeted title
// eligible for a CGB boot-palette tint (CGB-exclusive carts have nothing
// to "fall back" to and are excluded).
func (m *Machine) IsCGBCompat() bool {
	return m.header != nil && m.header.CGBFlag < 0x80
}

// SetCompatPalette pins the palette used for CGB-compatibility tinting by
// ID; out-of-range IDs are clamped into range.
func (m *Machine) SetCompatPalette(id int) {
	if len(cgbCompatSets) == 0 {
		return
	}
	m.compatPalette = clampPaletteID(id)
}

// CurrentCompatPalette returns the active palette ID, auto-selecting one
// from the header if none has been chosen yet.
func (m *Machine) CurrentCompatPalette() int {
	if m.compatPalette < 0 {
		if id, ok := autoCompatPaletteFromHeader(m.header); ok {
			m.compatPalette = clampPaletteID(id)
		} else {
			m.compatPalette = 0
		}
	}
	return m.compatPalette
}

// CycleCompatPalette moves the active palette by delta, wrapping around.
func (m *Machine) CycleCompatPalette(delta int) {
	n := len(cgbCompatSets)
	if n == 0 {
		return
	}
	cur := m.CurrentCompatPalette()
	m.compatPalette = ((cur+delta)%n + n) % n
}

// CompatPaletteName returns the display name for a palette ID.
func (m *Machine) CompatPaletteName(id int) string {
	if id < 0 || id >= len(cgbCompatSetNames) {
		return "Default"
	}
	return cgbCompatSetNames[id]
}

func clampPaletteID(id int) int {
	n := len(cgbCompatSets)
	if n == 0 {
		return 0
	}
	return ((id % n) + n) % n
}

// StepFrame runs one full 154-line frame and refreshes the framebuffer.
func (m *Machine) StepFrame() {
	m.runFrameDots()
	m.renderFramebuffer()
}

// StepFrameNoRender runs one full frame without touching the framebuffer,
// for headless serial-driven test-ROM harnesses.
func (m *Machine) StepFrameNoRender() {
	m.runFrameDots()
}

func (m *Machine) runFrameDots() {
	if m.cpu == nil || m.bus == nil {
		return
	}
	dots := 0
	for dots < dotsPerFrame {
		dots += m.cpu.Step()
	}
}

// Framebuffer returns the current 160x144 RGBA pixels (4 bytes/pixel,
// row-major), tinted through the active CGB-compatibility palette when
// engaged, or plain DMG grayscale otherwise.
func (m *Machine) Framebuffer() []byte {
	return m.fb
}

func (m *Machine) renderFramebuffer() {
	if m.bus == nil {
		for i := range m.fb {
			m.fb[i] = 0xFF
		}
		return
	}
	frame := m.bus.PPU().Frame()
	useTint := m.useCGBBG && m.IsCGBCompat() && len(cgbCompatSets) > 0
	var pal [4][3]byte
	if useTint {
		pal = cgbCompatSets[m.CurrentCompatPalette()]
	} else {
		pal = dmgGrayscale
	}
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			ci := frame[y][x]
			rgb := pal[ci&0x03]
			i := (y*m.w + x) * 4
			m.fb[i+0] = rgb[0]
			m.fb[i+1] = rgb[1]
			m.fb[i+2] = rgb[2]
			m.fb[i+3] = 0xFF
		}
	}
}

// SetButtons updates which buttons are currently held, taking effect on
// the next instruction the CPU executes.
func (m *Machine) SetButtons(b Buttons) {
	if m.bus != nil {
		m.bus.SetJoypadState(b.mask())
	}
}

var errNoCartridge = errors.New("emu: no cartridge loaded")

// SaveStateToFile writes a full save state (CPU+bus+PPU+APU+cartridge) to
// path.
func (m *Machine) SaveStateToFile(path string) error {
	if m.bus == nil {
		return errNoCartridge
	}
	data := m.SaveState()
	return os.WriteFile(path, data, 0o644)
}

// LoadStateFromFile restores a save state previously written by
// SaveStateToFile.
func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.LoadState(data)
	return nil
}

// APUBufferedStereo returns the number of stereo frames currently queued.
func (m *Machine) APUBufferedStereo() int {
	if m.bus == nil {
		return 0
	}
	return m.bus.APU().StereoAvailable()
}

// APUPullStereo drains up to n buffered stereo frames as interleaved
// int16 [L0,R0,L1,R1,...].
func (m *Machine) APUPullStereo(n int) []int16 {
	if m.bus == nil {
		return nil
	}
	return m.bus.APU().PullStereo(n)
}

// APUCapBufferedStereo discards the oldest queued audio until at most n
// stereo frames remain, bounding output latency.
func (m *Machine) APUCapBufferedStereo(n int) {
	if m.bus != nil {
		m.bus.APU().CapBuffered(n)
	}
}

// APUClearAudioLatency drops all queued audio, used when (re)starting
// playback to avoid replaying a stale backlog.
func (m *Machine) APUClearAudioLatency() {
	if m.bus != nil {
		m.bus.APU().Clear()
	}
}

type machineState struct {
	CPU           []byte
	Bus           []byte
	WantCGB       bool
	UseCGB        bool
	CompatPalette int
}

// SaveState captures the full machine state: the CPU's own serialization of
// registers and HALT/EI-delay bookkeeping, plus the bus's serialization of
// WRAM/HRAM/timers/PPU/APU/cartridge.
func (m *Machine) SaveState() []byte {
	var s machineState
	if m.cpu != nil {
		s.CPU = m.cpu.SaveState()
	}
	if m.bus != nil {
		s.Bus = m.bus.SaveState()
	}
	s.WantCGB, s.UseCGB, s.CompatPalette = m.wantCGBColors, m.useCGBBG, m.compatPalette

	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

// LoadState restores a state produced by SaveState onto the currently
// loaded cartridge; the cartridge itself must already be loaded via
// LoadCartridge/LoadROMFromFile.
func (m *Machine) LoadState(data []byte) {
	var s machineState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if m.cpu != nil && s.CPU != nil {
		m.cpu.LoadState(s.CPU)
	}
	if m.bus != nil && s.Bus != nil {
		m.bus.LoadState(s.Bus)
	}
	m.wantCGBColors, m.useCGBBG, m.compatPalette = s.WantCGB, s.UseCGB, s.CompatPalette
}
