package ppu

import (
	"bytes"
	"encoding/gob"
	"sort"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

// LineRegs captures the register/window state effective for one scanline's
// render pass, snapshotted the moment that line entered Drawing (mode 3).
type LineRegs struct {
	SCY, SCX, WY, WX, LCDC, BGP, OBP0, OBP1 byte
	WinLine                                 int // window-internal line counter for this scanline
	WindowActive                            bool
}

// Sprite is one decoded OAM entry as consumed by ComposeSpriteLine.
type Sprite struct {
	Y, X, Tile, Attr byte
	OAMIndex         int
}

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, timing, and the scanline
// renderer that fills the palette-index back buffer.
type PPU struct {
	// memory
	vram [0x2000]byte // 0x8000–0x9FFF
	oam  [0xA0]byte   // 0xFE00–0xFE9F

	// regs
	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
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

	winLineCounter int // internal window-line counter, -1 = not yet started this frame
	lineRegs       [154]LineRegs

	buf     [160 * 144]byte // palette-index back buffer (0..3), filled one scanline at a time
	vblank  bool            // consume-on-read VBlank edge flag for the frame presenter

	req InterruptRequester
}

func New(req InterruptRequester) *PPU { return &PPU{req: req, winLineCounter: -1} }

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		// VRAM is inaccessible to CPU during mode 3 (return 0xFF)
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		// OAM is inaccessible during modes 2 and 3
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		// On DMG, bit7 reads as 1; bit6..3 are enables; bit2 coincidence; bit1..0 mode
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

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
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
			// Turning LCD off resets LY/mode
			p.ly = 0
			p.dot = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			// Turning LCD on: start at LY=0, mode 2 (OAM)
			p.ly = 0
			p.dot = 0
			p.winLineCounter = -1
			p.setMode(2)
			p.updateLYC()
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
		p.winLineCounter = -1
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

// vramReader adapts the PPU itself to the VRAMReader interface used by the
// fetcher/scanline helpers, bypassing the mode-3 CPU access gate (the
// renderer runs internally, not as a CPU bus access).
type vramReader struct{ p *PPU }

func (v vramReader) Read(addr uint16) byte {
	if addr >= 0x8000 && addr <= 0x9FFF {
		return v.p.vram[addr-0x8000]
	}
	return 0xFF
}

// Tick advances PPU state by the given number of dots (T-cycles).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 { // LCD off
			continue
		}
		p.dot++
		// Mode scheduling
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
		prevMode := p.stat & 0x03
		p.setMode(mode)
		if mode == 3 && prevMode != 3 && p.ly < 144 {
			p.captureLineRegs()
		}
		if mode == 0 && prevMode == 3 && p.ly < 144 {
			p.renderScanline()
		}

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				// Enter VBlank
				p.vblank = true
				if p.req != nil {
					p.req(0)
				} // VBlank IF
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				} // STAT VBlank
			} else if p.ly > 153 {
				p.ly = 0
				p.winLineCounter = -1
			}
			p.updateLYC()
			// Set mode for new line start (dot=0)
			if p.ly >= 144 {
				p.setMode(1)
			} else {
				p.setMode(2)
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

// windowActive reports whether the window layer contributes to the given
// scanline under the current registers.
func (p *PPU) windowActive(ly byte) bool {
	return p.lcdc&0x01 != 0 && p.lcdc&0x20 != 0 && p.wy <= ly && p.wx < 167
}

// captureLineRegs snapshots the registers that govern rendering for the
// scanline about to be drawn, and advances the window-line counter the
// instant the window starts contributing to a frame.
func (p *PPU) captureLineRegs() {
	active := p.windowActive(p.ly)
	if active {
		p.winLineCounter++
	}
	winLine := p.winLineCounter
	if winLine < 0 {
		winLine = 0
	}
	p.lineRegs[p.ly] = LineRegs{
		SCY: p.scy, SCX: p.scx, WY: p.wy, WX: p.wx,
		LCDC: p.lcdc, BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WinLine: winLine, WindowActive: active,
	}
}

// LineRegs returns the captured registers for scanline ly (0..153). Zero
// value if that line has not yet entered Drawing this frame.
func (p *PPU) LineRegs(ly int) LineRegs {
	if ly < 0 || ly >= len(p.lineRegs) {
		return LineRegs{}
	}
	return p.lineRegs[ly]
}

// ConsumeVBlank returns and clears the consume-on-read VBlank edge flag.
func (p *PPU) ConsumeVBlank() bool {
	v := p.vblank
	p.vblank = false
	return v
}

// Framebuffer returns the 160x144 palette-index (0..3) back buffer.
func (p *PPU) Framebuffer() *[160 * 144]byte { return &p.buf }

// decodedSprites returns OAM entries whose vertical extent contains ly.
func (p *PPU) decodedSprites(ly byte, tall bool) []Sprite {
	height := byte(8)
	if tall {
		height = 16
	}
	var out []Sprite
	for i := 0; i < 40; i++ {
		base := i * 4
		y := p.oam[base+0]
		x := p.oam[base+1]
		tile := p.oam[base+2]
		attr := p.oam[base+3]
		top := int(y) - 16
		if int(ly) < top || int(ly) >= top+int(height) {
			continue
		}
		out = append(out, Sprite{Y: y, X: x, Tile: tile, Attr: attr, OAMIndex: i})
		if len(out) >= 10 { // hardware caps visible sprites per line at 10
			break
		}
	}
	return out
}

// ComposeSpriteLine overlays sprites onto a scanline's already-palette-
// mapped background/window color indices (bgci, used only for OBJ-behind-BG
// priority) and returns the sprite layer's own 2-bit color indices (0 =
// transparent). Sprites are composited by DMG priority: lower X wins, ties
// broken by lower OAM index.
func ComposeSpriteLine(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, tall bool) [160]byte {
	var out [160]byte
	ordered := append([]Sprite(nil), sprites...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].X != ordered[j].X {
			return ordered[i].X < ordered[j].X
		}
		return ordered[i].OAMIndex < ordered[j].OAMIndex
	})
	height := 8
	if tall {
		height = 16
	}
	for x := 0; x < 160; x++ {
		for _, s := range ordered {
			sx := int(s.X) - 8
			if x < sx || x >= sx+8 {
				continue
			}
			sy := int(s.Y) - 16
			row := int(ly) - sy
			if row < 0 || row >= height {
				continue
			}
			xflip := s.Attr&0x20 != 0
			yflip := s.Attr&0x40 != 0
			col := x - sx
			if xflip {
				col = 7 - col
			}
			r := row
			if yflip {
				r = height - 1 - row
			}
			tile := s.Tile
			if tall {
				tile &^= 0x01
			}
			base := uint16(0x8000) + uint16(tile)*16 + uint16(r)*2
			lo := mem.Read(base)
			hi := mem.Read(base + 1)
			bit := byte(7 - col)
			ci := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			if ci == 0 {
				continue // transparent
			}
			if s.Attr&0x80 != 0 && bgci[x] != 0 {
				continue // behind BG/window
			}
			out[x] = ci
			break
		}
	}
	return out
}

func applyPalette(pal byte, ci byte) byte {
	return (pal >> (ci * 2)) & 0x03
}

// renderScanline fills buf's row p.ly using the registers captured for this
// line, compositing background, window, and sprites.
func (p *PPU) renderScanline() {
	ly := p.ly
	lr := p.lineRegs[ly]
	row := int(ly) * 160

	var bgci [160]byte
	if lr.LCDC&0x01 != 0 {
		mapBase := uint16(0x9800)
		if lr.LCDC&0x08 != 0 {
			mapBase = 0x9C00
		}
		bgci = RenderBGScanlineUsingFetcher(vramReader{p}, mapBase, lr.LCDC&0x10 != 0, lr.SCX, lr.SCY, ly)
	}

	if lr.WindowActive {
		wMapBase := uint16(0x9800)
		if lr.LCDC&0x40 != 0 {
			wMapBase = 0x9C00
		}
		wxStart := int(lr.WX) - 7
		win := RenderWindowScanlineUsingFetcher(vramReader{p}, wMapBase, lr.LCDC&0x10 != 0, wxStart, byte(lr.WinLine))
		start := wxStart
		if start < 0 {
			start = 0
		}
		for x := start; x < 160; x++ {
			bgci[x] = win[x]
		}
	}

	var bgOut [160]byte
	for x := 0; x < 160; x++ {
		bgOut[x] = applyPalette(lr.BGP, bgci[x])
	}

	if lr.LCDC&0x02 != 0 {
		tall := lr.LCDC&0x04 != 0
		sprites := p.decodedSprites(ly, tall)
		spr := ComposeSpriteLine(vramReader{p}, sprites, ly, bgci, tall)
		// Re-derive per-pixel attribute for palette selection.
		attrByX := map[int]byte{}
		for _, s := range sprites {
			sx := int(s.X) - 8
			for x := sx; x < sx+8; x++ {
				if x >= 0 && x < 160 {
					if _, ok := attrByX[x]; !ok {
						attrByX[x] = s.Attr
					}
				}
			}
		}
		for x := 0; x < 160; x++ {
			if spr[x] == 0 {
				continue
			}
			pal := lr.OBP0
			if a, ok := attrByX[x]; ok && a&0x10 != 0 {
				pal = lr.OBP1
			}
			bgOut[x] = applyPalette(pal, spr[x])
		}
	}

	copy(p.buf[row:row+160], bgOut[:])
}

// --- Save/Load state ---

type ppuState struct {
	VRAM                                 [0x2000]byte
	OAM                                  [0xA0]byte
	LCDC, STAT, SCY, SCX, LY, LYC        byte
	BGP, OBP0, OBP1, WY, WX              byte
	Dot                                  int
	WinLineCounter                       int
	Buf                                  [160 * 144]byte
}

func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(ppuState{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		Dot: p.dot, WinLineCounter: p.winLineCounter, Buf: p.buf,
	})
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	p.dot, p.winLineCounter, p.buf = s.Dot, s.WinLineCounter, s.Buf
}

// Expose palettes and scroll for renderer convenience (optional helpers)
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }
