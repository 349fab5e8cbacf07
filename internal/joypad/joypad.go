// Package joypad implements the DMG button matrix: two select bits choose
// which nibble (direction or action) is visible on the low four bits of the
// JOYP register, with an edge-triggered interrupt on any button going down.
package joypad

import (
	"bytes"
	"encoding/gob"
)

// Button bitmasks for SetButtons. Set bits mean "pressed".
const (
	Right  = 1 << 0
	Left   = 1 << 1
	Up     = 1 << 2
	Down   = 1 << 3
	A      = 1 << 4
	B      = 1 << 5
	Select = 1 << 6
	Start  = 1 << 7
)

// Joypad holds the button-select bits, pressed-button mask, and the
// interrupt latch raised on a visible-nibble falling edge.
type Joypad struct {
	selectBits byte // bits 5-4 as last written
	pressed    byte // mask of the button constants above
	lower4     byte // last computed active-low visible nibble
	interrupt  bool
}

// New returns a Joypad with no group selected and no buttons pressed.
func New() *Joypad {
	return &Joypad{selectBits: 0x30, lower4: 0x0F}
}

// WriteSelect updates the two select bits (0xFF00 bits 5-4).
func (j *Joypad) WriteSelect(v byte) {
	j.selectBits = v & 0x30
	j.recompute()
}

// SetButtons replaces the pressed-button mask.
func (j *Joypad) SetButtons(mask byte) {
	j.pressed = mask
	j.recompute()
}

// Read returns the full 0xFF00 byte: 0xC0 | action_nibble | direction_nibble,
// gated by which group(s) the select bits currently expose.
func (j *Joypad) Read() byte {
	res := byte(0xC0 | j.selectBits | 0x0F)
	if j.selectBits&0x10 == 0 { // P14 low selects D-pad
		if j.pressed&Right != 0 {
			res &^= 0x01
		}
		if j.pressed&Left != 0 {
			res &^= 0x02
		}
		if j.pressed&Up != 0 {
			res &^= 0x04
		}
		if j.pressed&Down != 0 {
			res &^= 0x08
		}
	}
	if j.selectBits&0x20 == 0 { // P15 low selects buttons
		if j.pressed&A != 0 {
			res &^= 0x01
		}
		if j.pressed&B != 0 {
			res &^= 0x02
		}
		if j.pressed&Select != 0 {
			res &^= 0x04
		}
		if j.pressed&Start != 0 {
			res &^= 0x08
		}
	}
	return res
}

func (j *Joypad) recompute() {
	newLower := byte(0x0F)
	if j.selectBits&0x10 == 0 {
		if j.pressed&Right != 0 {
			newLower &^= 0x01
		}
		if j.pressed&Left != 0 {
			newLower &^= 0x02
		}
		if j.pressed&Up != 0 {
			newLower &^= 0x04
		}
		if j.pressed&Down != 0 {
			newLower &^= 0x08
		}
	}
	if j.selectBits&0x20 == 0 {
		if j.pressed&A != 0 {
			newLower &^= 0x01
		}
		if j.pressed&B != 0 {
			newLower &^= 0x02
		}
		if j.pressed&Select != 0 {
			newLower &^= 0x04
		}
		if j.pressed&Start != 0 {
			newLower &^= 0x08
		}
	}
	// Falling edge (bit was 1, now 0) on any previously-visible bit latches the IRQ.
	if j.lower4&^newLower != 0 {
		j.interrupt = true
	}
	j.lower4 = newLower
}

// ConsumeInterrupt reports and clears the joypad interrupt latch.
func (j *Joypad) ConsumeInterrupt() bool {
	v := j.interrupt
	j.interrupt = false
	return v
}

type joypadState struct {
	SelectBits byte
	Pressed    byte
	Lower4     byte
	Int        bool
}

// SaveState serializes the joypad's internal state.
func (j *Joypad) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(joypadState{j.selectBits, j.pressed, j.lower4, j.interrupt})
	return buf.Bytes()
}

// LoadState restores a previously serialized joypad state.
func (j *Joypad) LoadState(data []byte) {
	var s joypadState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	j.selectBits, j.pressed, j.lower4, j.interrupt = s.SelectBits, s.Pressed, s.Lower4, s.Int
}
