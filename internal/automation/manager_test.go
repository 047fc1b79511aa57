//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Night Dim", Description: "dim after dark", Enabled: true},
		LuaCode: `light.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "night_dim" {
		t.Errorf("id = %q, want night_dim", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `light.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s := &Script{ID: "fade", Meta: ScriptMeta{Name: "Fade"}, LuaCode: `light.log("v1")`}
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	s.LuaCode = `light.log("v2")`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get("fade")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Same"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	want := []string{"same", "same_1", "same_2"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids = %v, want %v", ids, want)
			break
		}
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-script files are ignored.
	if err := os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 || scripts[0].ID != "alpha" || scripts[2].ID != "gamma" {
		t.Errorf("list = %v", scripts)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{ID: "gone"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("gone"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete("gone"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", "..", "../etc", `a\b`, "a/b"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
	if _, err := m.Save(&Script{ID: "../x"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Save err = %v, want ErrInvalidID", err)
	}
}

func TestParseScriptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wake.lua")
	content := "-- {\"name\":\"Wake\",\"enabled\":true}\n\n\nlight.live(255, 128, 0)\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "wake" || s.Meta.Name != "Wake" || !s.Meta.Enabled {
		t.Errorf("script = %+v", s)
	}
	if s.LuaCode != "light.live(255, 128, 0)\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.lua")
	if err := os.WriteFile(path, []byte("light.save()\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Enabled || s.LuaCode != "light.save()\n" {
		t.Errorf("script = %+v", s)
	}
}

func TestSerializeScript(t *testing.T) {
	got := serializeScript(&Script{
		Meta:    ScriptMeta{Name: "A", Enabled: true},
		LuaCode: "light.save()",
	})
	want := "-- {\"name\":\"A\",\"enabled\":true}\n\nlight.save()\n"
	if got != want {
		t.Errorf("serialize = %q, want %q", got, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello World", "hello_world"},
		{"  Sunset -> Warm  ", "sunset_warm"},
		{"***", ""},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
