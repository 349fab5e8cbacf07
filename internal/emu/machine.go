package emu

import (
	"bytes"
	"encoding/gob"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmgcore/gbcore/internal/bus"
	"github.com/dmgcore/gbcore/internal/cart"
	"github.com/dmgcore/gbcore/internal/cpu"
	"github.com/dmgcore/gbcore/internal/joypad"
)

// Buttons is the host-independent snapshot of which keys are currently held.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.Right {
		m |= joypad.Right
	}
	if b.Left {
		m |= joypad.Left
	}
	if b.Up {
		m |= joypad.Up
	}
	if b.Down {
		m |= joypad.Down
	}
	if b.A {
		m |= joypad.A
	}
	if b.B {
		m |= joypad.B
	}
	if b.Select {
		m |= joypad.Select
	}
	if b.Start {
		m |= joypad.Start
	}
	return m
}

// dmgShades maps the PPU's 2-bit color index back buffer to grayscale RGBA,
// lightest (00) to darkest (11), matching the classic DMG LCD look.
var dmgShades = [4][4]byte{
	{0xE0, 0xF8, 0xD0, 0xFF},
	{0x88, 0xC0, 0x70, 0xFF},
	{0x34, 0x68, 0x56, 0xFF},
	{0x08, 0x18, 0x20, 0xFF},
}

// Machine wires together the CPU, Bus, and the cartridge it was given, and
// exposes the host-facing surface (frame stepping, input, audio drain,
// persistence) that cmd/gbemu and internal/ui consume.
type Machine struct {
	cfg Config

	bus *bus.Bus
	cpu *cpu.CPU

	w, h int
	fb   []byte // RGBA 160x144*4, colorized from the PPU's index buffer

	romPath  string
	romTitle string
	hasBoot  bool
	bootROM  []byte

	buttons Buttons
}

func New(cfg Config) *Machine {
	return &Machine{
		cfg: cfg, w: 160, h: 144,
		fb: make([]byte, 160*144*4),
	}
}

// LoadCartridge wires a fresh Bus and CPU around the given ROM bytes. If
// boot is at least 0x100 bytes it is mapped at 0x0000-0x00FF and the CPU starts at
// PC=0; otherwise the CPU and IO registers start in typical post-boot state.
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return err
	}
	ct, err := cart.NewCartridge(rom)
	if err != nil {
		return err
	}
	b := bus.NewWithCartridge(ct)
	c := cpu.New(b)

	if len(boot) >= 0x100 {
		b.SetBootROM(boot)
		m.hasBoot = true
		m.bootROM = boot
		c.SetPC(0x0000)
	} else {
		applyPostBootRegisters(b)
		c.ResetNoBoot()
		c.SetPC(0x0100)
		m.hasBoot = false
	}

	m.bus = b
	m.cpu = c
	m.romTitle = h.Title
	return nil
}

// applyPostBootRegisters writes the IO register values the DMG boot ROM
// leaves behind, for the no-boot-ROM startup path.
func applyPostBootRegisters(b *bus.Bus) {
	regs := map[uint16]byte{
		0xFF00: 0xCF,
		0xFF05: 0x00,
		0xFF06: 0x00,
		0xFF07: 0x00,
		// APU (§6.6): the boot ROM leaves all four channels and the
		// mixer registers in this exact state.
		0xFF10: 0x80,
		0xFF11: 0xBF,
		0xFF12: 0xF3,
		0xFF14: 0xBF,
		0xFF16: 0x3F,
		0xFF19: 0xBF,
		0xFF1A: 0x7F,
		0xFF1B: 0xFF,
		0xFF1C: 0x9F,
		0xFF1E: 0xFF,
		0xFF20: 0xFF,
		0xFF23: 0xBF,
		0xFF24: 0x77,
		0xFF25: 0xF3,
		0xFF26: 0xF1,
		0xFF40: 0x91,
		0xFF42: 0x00,
		0xFF43: 0x00,
		0xFF45: 0x00,
		0xFF47: 0xFC,
		0xFF48: 0xFF,
		0xFF49: 0xFF,
		0xFF4A: 0x00,
		0xFF4B: 0x00,
		0xFFFF: 0x00,
	}
	for addr, v := range regs {
		b.Write(addr, v)
	}
}

// LoadROMFromFile reads a ROM from disk, requiring a .gb or .gbc extension per the
// host file-loading contract, and loads it (carrying over any boot ROM
// previously set via SetBootROM).
func (m *Machine) LoadROMFromFile(path string) error {
	if !strings.HasSuffix(strings.ToLower(path), ".gb") && !strings.HasSuffix(strings.ToLower(path), ".gbc") {
		return errors.New("unsupported ROM extension, expected .gb")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(data, m.bootROM); err != nil {
		return err
	}
	if abs, err := filepath.Abs(path); err == nil {
		m.romPath = abs
	} else {
		m.romPath = path
	}
	return nil
}

// SetBootROM stores a boot ROM for the next LoadROMFromFile and, if a
// cartridge is already loaded, maps it onto the current bus at once.
func (m *Machine) SetBootROM(data []byte) {
	m.bootROM = data
	if m.bus != nil {
		m.bus.SetBootROM(data)
		m.hasBoot = len(data) >= 0x100
	}
}

// ResetPostBoot re-initializes the loaded cartridge at the typical
// post-boot register/register-file state (no boot ROM execution).
func (m *Machine) ResetPostBoot() {
	if m.bus == nil {
		return
	}
	applyPostBootRegisters(m.bus)
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
}

// ResetWithBoot restarts execution from the boot ROM entry point (PC=0).
func (m *Machine) ResetWithBoot() {
	if m.bus == nil || m.cpu == nil {
		return
	}
	m.bus.SetBootROM(m.bootROM)
	m.cpu.SetPC(0x0000)
}

func (m *Machine) ROMPath() string  { return m.romPath }
func (m *Machine) ROMTitle() string { return m.romTitle }

// SetSerialWriter routes serial-port output bytes to w (used by test ROMs
// that report pass/fail over the link port).
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// SetUseFetcherBG is a no-op toggle retained for host compatibility; the
// scanline renderer always uses the fetcher-based background path.
func (m *Machine) SetUseFetcherBG(v bool) { m.cfg.UseFetcherBG = v }

func (m *Machine) SetButtons(b Buttons) {
	m.buttons = b
	if m.bus != nil {
		m.bus.SetJoypadState(b.mask())
	}
}

// StepFrame runs the CPU until one vertical-blank edge has been observed,
// then colorizes the PPU's framebuffer into RGBA.
func (m *Machine) StepFrame() {
	m.runUntilVBlank()
	m.colorize()
}

// StepFrameNoRender runs one frame of emulation without touching the RGBA
// framebuffer, for headless conformance tests that only care about serial output.
func (m *Machine) StepFrameNoRender() {
	m.runUntilVBlank()
}

func (m *Machine) runUntilVBlank() {
	if m.bus == nil || m.cpu == nil {
		return
	}
	p := m.bus.PPU()
	for {
		m.cpu.Step()
		if p.ConsumeVBlank() {
			return
		}
	}
}

func (m *Machine) colorize() {
	if m.bus == nil {
		return
	}
	buf := m.bus.PPU().Framebuffer()
	for i, ci := range buf {
		shade := dmgShades[ci&0x03]
		copy(m.fb[i*4:i*4+4], shade[:])
	}
}

func (m *Machine) Framebuffer() []byte { return m.fb }

// --- Battery-backed save RAM ---

// LoadBattery restores cartridge RAM (and RTC anchor, for MBC3) from a
// previously saved .sav payload. Returns false if the cartridge has no
// battery-backed RAM to load into.
func (m *Machine) LoadBattery(data []byte) bool {
	if m.bus == nil {
		return false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns the cartridge's battery-backed RAM payload, if any.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.bus == nil {
		return nil, false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	return bb.SaveRAM(), true
}

// --- Audio ---

// APUBufferedStereo reports how many interleaved stereo sample pairs are
// currently queued and ready to pull.
func (m *Machine) APUBufferedStereo() int {
	if m.bus == nil {
		return 0
	}
	return m.bus.APU().StereoAvailable()
}

// APUPullStereo drains up to n stereo frames, returned as interleaved
// (L,R,L,R,...) int16 samples.
func (m *Machine) APUPullStereo(n int) []int16 {
	if m.bus == nil {
		return nil
	}
	return m.bus.APU().PullStereo(n)
}

// APUCapBufferedStereo discards queued samples beyond max, bounding audio
// latency after a pause or slow frame.
func (m *Machine) APUCapBufferedStereo(max int) {
	if m.bus == nil {
		return
	}
	a := m.bus.APU()
	if extra := a.StereoAvailable() - max; extra > 0 {
		a.PullStereo(extra)
	}
}

// APUClearAudioLatency drops all queued audio, used when resuming after the
// host was stalled (menu, frame-skip) to avoid playing back a latency backlog.
func (m *Machine) APUClearAudioLatency() {
	if m.bus == nil {
		return
	}
	a := m.bus.APU()
	if n := a.StereoAvailable(); n > 0 {
		a.PullStereo(n)
	}
}

// --- Save states ---

type machineState struct {
	Bus      []byte
	CPU      []byte
	ROMTitle string
}

func (m *Machine) SaveStateToFile(path string) error {
	if m.bus == nil || m.cpu == nil {
		return errors.New("no cartridge loaded")
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(machineState{Bus: m.bus.SaveState(), CPU: m.cpu.SaveState(), ROMTitle: m.romTitle}); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func (m *Machine) LoadStateFromFile(path string) error {
	if m.bus == nil || m.cpu == nil {
		return errors.New("no cartridge loaded")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var s machineState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	m.bus.LoadState(s.Bus)
	m.cpu.LoadState(s.CPU)
	return nil
}
