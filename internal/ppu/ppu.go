package ppu

import (
	"bytes"
	"encoding/gob"

	"github.com/dmgcore/dmgcore/internal/logging"
)

// InterruptRequester is a callback signature used to request IF bits
// (0: VBlank, 1: STAT, ...).
type InterruptRequester func(bit int)

// LineRegs snapshots the PPU registers in effect while a given scanline was
// drawn, plus the internal window-line counter used for that line.
type LineRegs struct {
	SCX, SCY, WX, WY byte
	BGP, OBP0, OBP1  byte
	LCDC             byte
	WinLine          int
}

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC timing, and produces a
// 160x144 frame of 2-bit DMG shade indices one scanline at a time.
//
// It exposes CPU-facing Read/Write for VRAM/OAM/PPU registers, and also
// implements VRAMReader itself so the scanline/sprite renderers can read
// tile data directly without the CPU access-mode gating.
type PPU struct {
	vram [0x2000]byte // 0x8000-0x9FFF
	oam  [0xA0]byte   // 0xFE00-0xFE9F

	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	dot int // dots within current line [0..455]

	winLineCounter int
	lineSprites    []Sprite
	lineRegs       [144]LineRegs
	frame          [144][160]byte

	req InterruptRequester
	log logging.Logger
}

func New(req InterruptRequester) *PPU { return &PPU{req: req, log: logging.Discard{}} }

// SetLogger installs a logger for recoverable warnings. Optional; defaults
// to discarding.
func (p *PPU) SetLogger(l logging.Logger) {
	if l != nil {
		p.log = l
	}
}

// Read implements VRAMReader: a raw, access-mode-unguarded VRAM read used
// only by the PPU's own scanline/sprite renderers.
func (p *PPU) Read(addr uint16) byte {
	if addr < 0x8000 || addr > 0x9FFF {
		return 0xFF
	}
	return p.vram[addr-0x8000]
}

// CPURead returns bytes for VRAM, OAM, and PPU IO registers, applying the
// CPU-side access-mode gating real hardware enforces.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO registers.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			// Turning LCD off resets LY/mode and blanks the frame.
			if p.stat&0x03 != 1 {
				p.log.Warnf("LCD disabled outside V-blank (LY=%d)", p.ly)
			}
			p.ly = 0
			p.dot = 0
			p.winLineCounter = 0
			p.setMode(0)
			p.updateLYC()
			for y := range p.frame {
				for x := range p.frame[y] {
					p.frame[y][x] = 0
				}
			}
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			// Turning LCD on: start at LY=0, mode 2 (OAM).
			p.ly = 0
			p.dot = 0
			p.winLineCounter = 0
			p.setMode(2)
			p.updateLYC()
			p.scanOAM()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	}
}

// DMAWrite writes directly into OAM, bypassing the mode-2/3 access gating
// CPU writes are subject to. OAM DMA (internal/bus) models the 160-byte
// transfer as an immediate, atomic copy that must land regardless of the
// PPU's current mode.
func (p *PPU) DMAWrite(addr uint16, value byte) {
	if addr >= 0xFE00 && addr <= 0xFE9F {
		p.oam[addr-0xFE00] = value
	}
}

// Tick advances PPU state by the given number of T-cycles.
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 { // LCD off
			continue
		}
		p.dot++
		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < 80+172:
				mode = 3
			default:
				mode = 0
			}
		}
		enteringDraw := mode == 3 && (p.stat&0x03) != 3
		p.setMode(mode)
		if enteringDraw {
			p.renderLine()
		}

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				if p.req != nil {
					p.req(0)
				} // VBlank IF
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				} // STAT VBlank select
			} else if p.ly > 153 {
				p.ly = 0
				p.winLineCounter = 0
			}
			p.updateLYC()
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
				p.scanOAM()
			}
		}
	}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0: // HBlank
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2: // OAM
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// scanOAM selects up to 10 sprites visible on the line about to be drawn,
// sorted by screen X ascending with OAM index breaking ties, matching the
// priority order ComposeSpriteLine expects.
func (p *PPU) scanOAM() {
	height := 8
	if p.lcdc&0x04 != 0 {
		height = 16
	}
	line := int(p.ly)
	p.lineSprites = p.lineSprites[:0]
	for i := 0; i < 40; i++ {
		rawY := int(p.oam[i*4])
		rawX := int(p.oam[i*4+1])
		tile := p.oam[i*4+2]
		attr := p.oam[i*4+3]
		if line+16 < rawY || line+16 >= rawY+height {
			continue
		}
		p.lineSprites = append(p.lineSprites, Sprite{
			X: rawX - 8, Y: rawY - 16, Tile: tile, Attr: attr, OAMIndex: i,
		})
		if len(p.lineSprites) == 10 {
			break
		}
	}
	for a := 1; a < len(p.lineSprites); a++ {
		for b := a; b > 0; b-- {
			s1, s2 := p.lineSprites[b-1], p.lineSprites[b]
			if s1.X < s2.X || (s1.X == s2.X && s1.OAMIndex <= s2.OAMIndex) {
				break
			}
			p.lineSprites[b-1], p.lineSprites[b] = s2, s1
		}
	}
}

// renderLine fills p.frame[ly] from the current registers and the OAM scan
// for this line. It runs once, atomically, the moment mode 3 begins:
// sub-instruction pixel-by-pixel FIFO timing is an explicit non-goal, so
// the whole line is produced from the register snapshot at draw-start.
func (p *PPU) renderLine() {
	ly := int(p.ly)
	if ly < 0 || ly >= 144 {
		return
	}
	bgEnabled := p.lcdc&0x01 != 0
	objEnabled := p.lcdc&0x02 != 0
	objTall := p.lcdc&0x04 != 0
	bgMapSel := p.lcdc&0x08 != 0
	tileData8000 := p.lcdc&0x10 != 0
	winEnabled := p.lcdc&0x20 != 0
	winMapSel := p.lcdc&0x40 != 0

	bgMapBase := uint16(0x9800)
	if bgMapSel {
		bgMapBase = 0x9C00
	}
	winMapBase := uint16(0x9800)
	if winMapSel {
		winMapBase = 0x9C00
	}

	var bgci [160]byte
	if bgEnabled {
		bgci = RenderBGScanlineUsingFetcher(p, bgMapBase, tileData8000, p.scx, p.scy, byte(ly))
	}

	winVisible := winEnabled && bgEnabled && ly >= int(p.wy) && p.wx <= 166
	winLineUsed := p.winLineCounter
	if winVisible {
		wxStart := int(p.wx) - 7
		winOut := RenderWindowScanlineUsingFetcher(p, winMapBase, tileData8000, wxStart, byte(p.winLineCounter))
		for x := 0; x < 160; x++ {
			if x >= wxStart {
				bgci[x] = winOut[x]
			}
		}
		p.winLineCounter++
	}

	var spriteOut [160]byte
	if objEnabled {
		spriteOut = ComposeSpriteLine(p, p.lineSprites, byte(ly), bgci, objTall)
	}

	for x := 0; x < 160; x++ {
		if objEnabled {
			if packed := spriteOut[x]; packed&0x03 != 0 {
				pal := p.obp0
				if packed&(1<<2) != 0 {
					pal = p.obp1
				}
				p.frame[ly][x] = applyPalette(pal, packed&0x03)
				continue
			}
		}
		ci := bgci[x]
		if !bgEnabled {
			ci = 0
		}
		p.frame[ly][x] = applyPalette(p.bgp, ci)
	}

	p.lineRegs[ly] = LineRegs{
		SCX: p.scx, SCY: p.scy, WX: p.wx, WY: p.wy,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, LCDC: p.lcdc,
		WinLine: winLineUsed,
	}
}

func applyPalette(pal, ci byte) byte { return (pal >> (ci * 2)) & 0x03 }

// Frame returns the most recently completed 160x144 grid of 2-bit DMG
// shade indices (0=lightest, 3=darkest), indexed [y][x].
func (p *PPU) Frame() *[144][160]byte { return &p.frame }

// LineRegs returns the register snapshot used to render scanline y.
func (p *PPU) LineRegs(y int) LineRegs {
	if y < 0 || y >= 144 {
		return LineRegs{}
	}
	return p.lineRegs[y]
}

// Expose palettes and scroll for renderer convenience.
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }
func (p *PPU) LY() byte   { return p.ly }

type ppuState struct {
	VRAM           [0x2000]byte
	OAM            [0xA0]byte
	LCDC, STAT     byte
	SCY, SCX       byte
	LY, LYC        byte
	BGP, OBP0, OBP1 byte
	WY, WX         byte
	Dot            int
	WinLineCounter int
}

// SaveState serializes VRAM/OAM and all PPU registers. The derived frame
// buffer and per-line register cache are not persisted; they are rebuilt
// from the live registers as soon as rendering resumes.
func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	s := ppuState{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat,
		SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WY: p.wy, WX: p.wx,
		Dot: p.dot, WinLineCounter: p.winLineCounter,
	}
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

// LoadState restores a state produced by SaveState.
func (p *PPU) LoadState(data []byte) {
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat = s.LCDC, s.STAT
	p.scy, p.scx, p.ly, p.lyc = s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1 = s.BGP, s.OBP0, s.OBP1
	p.wy, p.wx = s.WY, s.WX
	p.dot, p.winLineCounter = s.Dot, s.WinLineCounter
}
