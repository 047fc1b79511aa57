// Package preset holds the local mirror of the fixture's stored color presets.
package preset

import (
	"errors"
	"fmt"
	"slices"

	"github.com/lucasb-eyer/go-colorful"
)

// MaxPresets is the number of slots the fixture stores.
const MaxPresets = 32

var (
	ErrCapacityExceeded = errors.New("preset: capacity exceeded")
	ErrIndexOutOfRange  = errors.New("preset: index out of range")
)

// Preset is one stored color. Slot equals the preset's position.
type Preset struct {
	Slot    int            `json:"slot"`
	Color   colorful.Color `json:"-"`
	Hex     string         `json:"color"`
	Current bool           `json:"current"`
	Dirty   bool           `json:"dirty"`
}

// Collection is an ordered list of presets with at most one current entry.
// It is not safe for concurrent use; the session loop owns it.
type Collection struct {
	items   []Preset
	vacated []int // device slots emptied by Remove and not yet blanked
}

// New returns an empty collection.
func New() *Collection {
	return &Collection{}
}

// Len returns the number of presets.
func (c *Collection) Len() int {
	return len(c.items)
}

// At returns the preset at index i.
func (c *Collection) At(i int) (Preset, bool) {
	if i < 0 || i >= len(c.items) {
		return Preset{}, false
	}
	return c.view(i), true
}

// View returns a copy of the presets in slot order.
func (c *Collection) View() []Preset {
	out := make([]Preset, len(c.items))
	for i := range c.items {
		out[i] = c.view(i)
	}
	return out
}

func (c *Collection) view(i int) Preset {
	p := c.items[i]
	p.Hex = p.Color.Clamped().Hex()
	return p
}

// Add appends a dirty preset and returns its slot.
func (c *Collection) Add(color colorful.Color) (int, error) {
	if len(c.items) >= MaxPresets {
		return 0, fmt.Errorf("%w: %d presets", ErrCapacityExceeded, MaxPresets)
	}
	slot := len(c.items)
	c.items = append(c.items, Preset{Slot: slot, Color: color, Dirty: true})
	c.vacated = slices.DeleteFunc(c.vacated, func(s int) bool { return s == slot })
	return slot, nil
}

// Remove deletes the preset at i. Later presets move down one slot and are
// marked dirty; the freed trailing slot is recorded in Vacated.
func (c *Collection) Remove(i int) error {
	if err := c.check(i); err != nil {
		return err
	}
	last := len(c.items) - 1
	c.items = slices.Delete(c.items, i, i+1)
	for j := i; j < len(c.items); j++ {
		c.items[j].Slot = j
		c.items[j].Dirty = true
	}
	if !slices.Contains(c.vacated, last) {
		c.vacated = append(c.vacated, last)
		slices.Sort(c.vacated)
	}
	return nil
}

// SetCurrent marks i current and every other preset not current.
func (c *Collection) SetCurrent(i int) error {
	if err := c.check(i); err != nil {
		return err
	}
	for j := range c.items {
		c.items[j].Current = j == i
	}
	return nil
}

// ClearCurrent leaves no preset current.
func (c *Collection) ClearCurrent() {
	for j := range c.items {
		c.items[j].Current = false
	}
}

// Current returns the index of the current preset.
func (c *Collection) Current() (int, bool) {
	for i, p := range c.items {
		if p.Current {
			return i, true
		}
	}
	return 0, false
}

// SetColor replaces the color at i and marks it dirty.
func (c *Collection) SetColor(i int, color colorful.Color) error {
	if err := c.check(i); err != nil {
		return err
	}
	c.items[i].Color = color
	c.items[i].Dirty = true
	return nil
}

// MarkDirty flags i as edited since the last acknowledged write.
func (c *Collection) MarkDirty(i int) error {
	if err := c.check(i); err != nil {
		return err
	}
	c.items[i].Dirty = true
	return nil
}

// MarkClean clears the dirty flag of i.
func (c *Collection) MarkClean(i int) error {
	if err := c.check(i); err != nil {
		return err
	}
	c.items[i].Dirty = false
	return nil
}

// MarkAllClean clears every dirty flag and forgets vacated slots.
func (c *Collection) MarkAllClean() {
	for j := range c.items {
		c.items[j].Dirty = false
	}
	c.vacated = nil
}

// Dirty returns the indexes of dirty presets in slot order.
func (c *Collection) Dirty() []int {
	var out []int
	for i, p := range c.items {
		if p.Dirty {
			out = append(out, i)
		}
	}
	return out
}

// Vacated returns device slots freed by Remove that still hold old colors.
func (c *Collection) Vacated() []int {
	return slices.Clone(c.vacated)
}

// ClearVacated forgets a vacated slot once the device has blanked it.
func (c *Collection) ClearVacated(slot int) {
	c.vacated = slices.DeleteFunc(c.vacated, func(s int) bool { return s == slot })
}

// Vacate records slot as vacated again. Slots still holding a preset are
// ignored.
func (c *Collection) Vacate(slot int) {
	if slot < len(c.items) || slot >= MaxPresets || slices.Contains(c.vacated, slot) {
		return
	}
	c.vacated = append(c.vacated, slot)
	slices.Sort(c.vacated)
}

// Replace discards the collection and loads colors as clean presets, as
// reported by the device. Entries beyond MaxPresets are ignored.
func (c *Collection) Replace(colors []colorful.Color) {
	if len(colors) > MaxPresets {
		colors = colors[:MaxPresets]
	}
	c.items = make([]Preset, len(colors))
	for i, color := range colors {
		c.items[i] = Preset{Slot: i, Color: color}
	}
	c.vacated = nil
}

func (c *Collection) check(i int) error {
	if i < 0 || i >= len(c.items) {
		return fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, i, len(c.items))
	}
	return nil
}
