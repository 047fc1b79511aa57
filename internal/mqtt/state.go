//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"

	"github.com/lucasb-eyer/go-colorful"

	"rgbw-link/internal/preset"
)

// rgb is a color as Home Assistant sends and expects it, 0..255 per channel.
type rgb struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

func (v rgb) color() colorful.Color {
	clamp := func(x float64) float64 {
		return max(0, min(255, x)) / 255
	}
	return colorful.Color{R: clamp(v.R), G: clamp(v.G), B: clamp(v.B)}
}

// lightState is the retained payload on <prefix>/state. The state, color_mode
// and color keys follow the Home Assistant JSON light schema.
type lightState struct {
	State     string   `json:"state"`
	ColorMode string   `json:"color_mode"`
	Color     rgb      `json:"color"`
	Hex       string   `json:"hex,omitempty"`
	Session   string   `json:"session"`
	Connected bool     `json:"connected"`
	Current   int      `json:"current"`
	Presets   []string `json:"presets"`
	Dirty     int      `json:"dirty"`
}

func (s lightState) MarshalJSON() ([]byte, error) {
	type wire lightState
	w := wire(s)
	w.ColorMode = "rgb"
	w.State = "OFF"
	if s.Connected && s.Hex != "" && s.Hex != "#000000" {
		w.State = "ON"
	}
	return json.Marshal(w)
}

func (s *lightState) setColor(hex string) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return
	}
	r, g, b := c.RGB255()
	s.Hex = hex
	s.Color = rgb{R: float64(r), G: float64(g), B: float64(b)}
}

// setPresets replaces the preset view. The color follows the current preset
// only when the current slot changes, so a live color survives edits.
func (s *lightState) setPresets(presets []preset.Preset) {
	prev := s.Current
	s.Presets = make([]string, len(presets))
	s.Current = -1
	s.Dirty = 0
	for i, p := range presets {
		s.Presets[i] = p.Hex
		if p.Dirty {
			s.Dirty++
		}
		if p.Current {
			s.Current = p.Slot
			if p.Slot != prev {
				s.setColor(p.Hex)
			}
		}
	}
}

// command is a JSON payload received on <prefix>/set.
type command struct {
	State   string `json:"state"`
	Color   *rgb   `json:"color"`
	Preset  *int   `json:"preset"`
	Save    bool   `json:"save"`
	Refresh bool   `json:"refresh"`
}

var errEmptyCommand = errors.New("command has no known fields")

func parseCommand(payload []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return command{}, err
	}
	if cmd.State == "" && cmd.Color == nil && cmd.Preset == nil && !cmd.Save && !cmd.Refresh {
		return command{}, errEmptyCommand
	}
	return cmd, nil
}
