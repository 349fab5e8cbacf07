package cart

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"time"
)

// nowUnix is mockable so RTC advance can be tested deterministically.
var nowUnix = func() int64 { return time.Now().Unix() }

// MBC3 implements ROM/RAM banking plus the optional real-time clock.
// Banking behavior:
// - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
// - 2000-3FFF: ROM bank, 7 bits (0 maps to 1)
// - 4000-5FFF: 0x00-0x03 selects a RAM bank; 0x08-0x0C selects an RTC register
// - 6000-7FFF: write 0 then 1 latches the live RTC into the readable snapshot
// - A000-BFFF: external RAM, or the latched RTC register when one is selected
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	ramBank    byte // 0..3

	selRTC bool // true when 4000-5FFF last selected an RTC register (0x08-0x0C)
	rtcReg byte // the selected RTC register code

	latchPrev byte // last byte written to 6000-7FFF, for 0->1 edge detection

	// Live clock, advanced lazily from lastRTCWallSec on access.
	rtcSec, rtcMin, rtcHour byte
	rtcDay                  int // 9 bits (0..511)
	rtcHalt, rtcCarry       bool
	lastRTCWallSec          int64

	// Frozen-on-latch snapshot, what CPU reads actually observe.
	latched rtcSnapshot
}

// rtcSnapshot's fields are exported so encoding/gob (which refuses to
// encode a struct with no exported fields) can actually serialize the
// latched clock as part of MBC3's save state.
type rtcSnapshot struct {
	Sec, Min, Hour byte
	Day            int
	Halt, Carry    bool
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	m.lastRTCWallSec = nowUnix()
	return m
}

func (m *MBC3) totalSeconds() int64 {
	return int64(m.rtcDay)*86400 + int64(m.rtcHour)*3600 + int64(m.rtcMin)*60 + int64(m.rtcSec)
}

// updateRTC lazily catches the live clock up to wall time. A halted
// clock (DH bit 6) does not accumulate elapsed seconds.
func (m *MBC3) updateRTC() {
	now := nowUnix()
	if m.rtcHalt {
		m.lastRTCWallSec = now
		return
	}
	delta := now - m.lastRTCWallSec
	if delta <= 0 {
		m.lastRTCWallSec = now
		return
	}
	total := m.totalSeconds() + delta
	const wrap = 512 * 86400
	if total >= wrap {
		m.rtcCarry = true
		total %= wrap
	}
	m.rtcDay = int(total / 86400)
	rem := total % 86400
	m.rtcHour = byte(rem / 3600)
	rem %= 3600
	m.rtcMin = byte(rem / 60)
	m.rtcSec = byte(rem % 60)
	m.lastRTCWallSec = now
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
		if m.selRTC {
			switch m.rtcReg {
			case 0x08:
				return m.latched.Sec
			case 0x09:
				return m.latched.Min
			case 0x0A:
				return m.latched.Hour
			case 0x0B:
				return byte(m.latched.Day & 0xFF)
			case 0x0C:
				v := byte((m.latched.Day >> 8) & 0x01)
				if m.latched.Halt {
					v |= 0x40
				}
				if m.latched.Carry {
					v |= 0x80
				}
				return v
			}
			return 0xFF
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
		if value <= 0x03 {
			m.ramBank = value & 0x03
			m.selRTC = false
		} else if value >= 0x08 && value <= 0x0C {
			m.rtcReg = value
			m.selRTC = true
		}
	case addr < 0x8000:
		if m.latchPrev == 0 && value == 1 {
			m.updateRTC()
			m.latched = rtcSnapshot{
				Sec: m.rtcSec, Min: m.rtcMin, Hour: m.rtcHour,
				Day: m.rtcDay, Halt: m.rtcHalt, Carry: m.rtcCarry,
			}
		}
		m.latchPrev = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.selRTC {
			switch m.rtcReg {
			case 0x08:
				m.rtcSec = value % 60
			case 0x09:
				m.rtcMin = value % 60
			case 0x0A:
				m.rtcHour = value % 24
			case 0x0B:
				m.rtcDay = (m.rtcDay &^ 0xFF) | int(value)
			case 0x0C:
				if value&0x01 != 0 {
					m.rtcDay |= 0x100
				} else {
					m.rtcDay &^= 0x100
				}
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

// SaveRAM returns the RAM plus an 8-byte big-endian UNIX-epoch
// anchor from which the live clock can be reconstructed on load.
func (m *MBC3) SaveRAM() []byte {
	m.updateRTC()
	anchor := nowUnix() - m.totalSeconds()
	out := make([]byte, 8+len(m.ram))
	binary.BigEndian.PutUint64(out[0:8], uint64(anchor))
	copy(out[8:], m.ram)
	return out
}

// LoadRAM restores RAM and re-derives the clock from the persisted anchor
// and current wall time. A size mismatch is treated as "no save present".
func (m *MBC3) LoadRAM(data []byte) {
	if len(data) < 8 {
		return
	}
	ramPart := data[8:]
	if len(ramPart) != len(m.ram) {
		return
	}
	copy(m.ram, ramPart)
	anchor := int64(binary.BigEndian.Uint64(data[0:8]))
	now := nowUnix()
	total := now - anchor
	if total < 0 {
		total = 0
	}
	const wrap = 512 * 86400
	if total >= wrap {
		m.rtcCarry = true
		total %= wrap
	}
	m.rtcDay = int(total / 86400)
	rem := total % 86400
	m.rtcHour = byte(rem / 3600)
	rem %= 3600
	m.rtcMin = byte(rem / 60)
	m.rtcSec = byte(rem % 60)
	m.lastRTCWallSec = now
	m.latched = rtcSnapshot{Sec: m.rtcSec, Min: m.rtcMin, Hour: m.rtcHour, Day: m.rtcDay, Halt: m.rtcHalt, Carry: m.rtcCarry}
}

type mbc3State struct {
	RAM                     []byte
	RamEnabled              bool
	RomBank, RamBank        byte
	SelRTC                  bool
	RtcReg, LatchPrev       byte
	RtcSec, RtcMin, RtcHour byte
	RtcDay                  int
	RtcHalt, RtcCarry       bool
	LastRTCWallSec          int64
	Latched                 rtcSnapshot
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc3State{
		RAM: m.ram, RamEnabled: m.ramEnabled, RomBank: m.romBank, RamBank: m.ramBank,
		SelRTC: m.selRTC, RtcReg: m.rtcReg, LatchPrev: m.latchPrev,
		RtcSec: m.rtcSec, RtcMin: m.rtcMin, RtcHour: m.rtcHour, RtcDay: m.rtcDay,
		RtcHalt: m.rtcHalt, RtcCarry: m.rtcCarry, LastRTCWallSec: m.lastRTCWallSec,
		Latched: m.latched,
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
	m.selRTC, m.rtcReg, m.latchPrev = s.SelRTC, s.RtcReg, s.LatchPrev
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.RtcSec, s.RtcMin, s.RtcHour, s.RtcDay
	m.rtcHalt, m.rtcCarry, m.lastRTCWallSec = s.RtcHalt, s.RtcCarry, s.LastRTCWallSec
	m.latched = s.Latched
}
