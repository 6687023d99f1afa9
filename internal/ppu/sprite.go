package ppu

// Sprite is a single OAM entry already translated into screen-space
// coordinates (X = OAM x byte - 8, Y = OAM y byte - 16) plus the raw tile
// and attribute bytes needed to fetch and flip its pixel data.
type Sprite struct {
	X, Y     int
	Tile     byte
	Attr     byte
	OAMIndex int
}

const (
	sprAttrPriority = 0x80 // 1 = behind BG colors 1-3
	sprAttrYFlip    = 0x40
	sprAttrXFlip    = 0x20
	sprAttrPalette  = 0x10 // 1 = OBP1
)

// ComposeSpriteLine renders one scanline of sprite pixels over bgci, the
// already-resolved background/window color indices for that line. sprites
// must already be in display priority order (leftmost X first, OAM index
// breaking ties) as produced by the PPU's OAM scan; the first sprite to
// claim a column wins and later sprites cannot displace it.
//
// The result packs, per column, the winning sprite's 2-bit color index in
// bits 0-1 and its palette selector (0=OBP0, 1=OBP1) in bit 2. A value of 0
// means no sprite pixel is visible at that column — the caller falls back
// to bgci.
func ComposeSpriteLine(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, tall bool) [160]byte {
	var out [160]byte
	var claimed [160]bool

	height := 8
	if tall {
		height = 16
	}

	for _, s := range sprites {
		row := int(ly) - s.Y
		if row < 0 || row >= height {
			continue
		}
		if s.Attr&sprAttrYFlip != 0 {
			row = height - 1 - row
		}
		tile := s.Tile
		if tall {
			tile &^= 1
			if row >= 8 {
				tile++
				row -= 8
			}
		}
		base := 0x8000 + uint16(tile)*16 + uint16(row)*2
		lo := mem.Read(base)
		hi := mem.Read(base + 1)

		for px := 0; px < 8; px++ {
			bit := byte(7 - px)
			if s.Attr&sprAttrXFlip != 0 {
				bit = byte(px)
			}
			ci := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			if ci == 0 {
				continue
			}
			x := s.X + px
			if x < 0 || x >= 160 || claimed[x] {
				continue
			}
			claimed[x] = true
			if s.Attr&sprAttrPriority != 0 && bgci[x] != 0 {
				continue // behind non-zero background
			}
			packed := ci
			if s.Attr&sprAttrPalette != 0 {
				packed |= 1 << 2
			}
			out[x] = packed
		}
	}
	return out
}
