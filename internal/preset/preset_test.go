package preset

import (
	"errors"
	"reflect"
	"testing"

	"github.com/lucasb-eyer/go-colorful"
)

var (
	red   = colorful.Color{R: 1}
	green = colorful.Color{G: 1}
	blue  = colorful.Color{B: 1}
)

func filled(t *testing.T, colors ...colorful.Color) *Collection {
	t.Helper()
	c := New()
	c.Replace(colors)
	return c
}

func countCurrent(c *Collection) int {
	n := 0
	for _, p := range c.View() {
		if p.Current {
			n++
		}
	}
	return n
}

func TestAddCapacity(t *testing.T) {
	c := New()
	for i := 0; i < MaxPresets; i++ {
		slot, err := c.Add(red)
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if slot != i {
			t.Fatalf("slot = %d, want %d", slot, i)
		}
	}
	_, err := c.Add(red)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("33rd add: err = %v, want ErrCapacityExceeded", err)
	}
	if c.Len() != MaxPresets {
		t.Errorf("len = %d, want %d", c.Len(), MaxPresets)
	}
}

func TestAddMarksDirty(t *testing.T) {
	c := New()
	slot, _ := c.Add(green)
	p, ok := c.At(slot)
	if !ok || !p.Dirty {
		t.Errorf("added preset = %+v, want dirty", p)
	}
	if p.Hex != "#00ff00" {
		t.Errorf("hex = %q, want #00ff00", p.Hex)
	}
}

func TestSetCurrentSingle(t *testing.T) {
	c := filled(t, red, green, blue)
	for k := 0; k < 3; k++ {
		if err := c.SetCurrent(k); err != nil {
			t.Fatal(err)
		}
		if countCurrent(c) != 1 {
			t.Fatalf("after SetCurrent(%d): %d current", k, countCurrent(c))
		}
		if i, ok := c.Current(); !ok || i != k {
			t.Errorf("Current() = %d,%v want %d", i, ok, k)
		}
	}
}

func TestSetCurrentOutOfRange(t *testing.T) {
	c := filled(t, red, green)
	_ = c.SetCurrent(1)
	if err := c.SetCurrent(5); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("err = %v, want ErrIndexOutOfRange", err)
	}
	if i, ok := c.Current(); !ok || i != 1 {
		t.Errorf("invalid SetCurrent changed current to %d,%v", i, ok)
	}
	c.ClearCurrent()
	if countCurrent(c) != 0 {
		t.Error("ClearCurrent left a current preset")
	}
}

func TestRemoveShiftsAndMarksDirty(t *testing.T) {
	c := filled(t, red, green, blue)
	_ = c.SetCurrent(2)

	if err := c.Remove(0); err != nil {
		t.Fatal(err)
	}
	view := c.View()
	if len(view) != 2 {
		t.Fatalf("len = %d, want 2", len(view))
	}
	for i, p := range view {
		if p.Slot != i {
			t.Errorf("view[%d].Slot = %d", i, p.Slot)
		}
		if !p.Dirty {
			t.Errorf("shifted preset %d not dirty", i)
		}
	}
	if view[0].Color != green || view[1].Color != blue {
		t.Errorf("order after remove = %v", view)
	}
	if i, ok := c.Current(); !ok || i != 1 {
		t.Errorf("current = %d,%v want 1", i, ok)
	}
	if got := c.Vacated(); !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("vacated = %v, want [2]", got)
	}
}

func TestRemoveLastOnlyVacates(t *testing.T) {
	c := filled(t, red, green)
	if err := c.Remove(1); err != nil {
		t.Fatal(err)
	}
	if len(c.Dirty()) != 0 {
		t.Errorf("dirty = %v, want none", c.Dirty())
	}
	if got := c.Vacated(); !reflect.DeepEqual(got, []int{1}) {
		t.Errorf("vacated = %v, want [1]", got)
	}

	// Re-adding reoccupies the slot.
	if _, err := c.Add(blue); err != nil {
		t.Fatal(err)
	}
	if len(c.Vacated()) != 0 {
		t.Errorf("vacated = %v after add, want none", c.Vacated())
	}

	c.ClearVacated(7)
	if err := c.Remove(9); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("err = %v, want ErrIndexOutOfRange", err)
	}
}

func TestVacateRestoresBlankedSlot(t *testing.T) {
	c := filled(t, red, green, blue)
	_ = c.Remove(2)
	c.ClearVacated(2)

	c.Vacate(2)
	c.Vacate(2)
	if got := c.Vacated(); !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("vacated = %v, want [2]", got)
	}
	c.Vacate(0)
	c.Vacate(MaxPresets)
	if got := c.Vacated(); !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("vacated = %v after occupied and out-of-range slots", got)
	}
}

func TestDirtyTracking(t *testing.T) {
	c := filled(t, red, green, blue)
	if len(c.Dirty()) != 0 {
		t.Fatalf("replaced presets dirty: %v", c.Dirty())
	}
	_ = c.SetColor(1, blue)
	_ = c.MarkDirty(2)
	if got := c.Dirty(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("dirty = %v, want [1 2]", got)
	}
	_ = c.MarkClean(1)
	if got := c.Dirty(); !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("dirty = %v, want [2]", got)
	}
	_ = c.Remove(0)
	c.MarkAllClean()
	if len(c.Dirty()) != 0 || len(c.Vacated()) != 0 {
		t.Errorf("after MarkAllClean: dirty %v vacated %v", c.Dirty(), c.Vacated())
	}
}

func TestReplaceCaps(t *testing.T) {
	colors := make([]colorful.Color, MaxPresets+3)
	c := New()
	c.Replace(colors)
	if c.Len() != MaxPresets {
		t.Errorf("len = %d, want %d", c.Len(), MaxPresets)
	}
}

func TestViewIsCopy(t *testing.T) {
	c := filled(t, red)
	v := c.View()
	v[0].Current = true
	if countCurrent(c) != 0 {
		t.Error("mutating View() changed the collection")
	}
}
