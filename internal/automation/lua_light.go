//go:build !no_automation

package automation

import (
	"context"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerLightModule registers the `light` global table in a Lua state.
// Slots are the fixture's 0-based slot numbers; channels are 0-255.
func registerLightModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":      func(L *lua.LState) int { return lightOn(L, vm) },
		"presets": func(L *lua.LState) int { return lightPresets(L, vm, e) },
		"status":  func(L *lua.LState) int { return lightStatus(L, vm, e) },
		"add":     func(L *lua.LState) int { return lightAdd(L, vm, e) },
		"after":   func(L *lua.LState) int { return lightAfter(L, vm, e) },
		"log":     func(L *lua.LState) int { return lightLog(L, vm, e) },
		"remove": func(L *lua.LState) int {
			slot := L.CheckInt(1)
			return pushResult(L, call(vm, func(ctx context.Context) error {
				return e.ctrl.RemovePreset(ctx, slot)
			}))
		},
		"edit": func(L *lua.LState) int {
			slot := L.CheckInt(1)
			c := checkColor(L, 2)
			return pushResult(L, call(vm, func(ctx context.Context) error {
				return e.ctrl.EditColor(ctx, slot, c)
			}))
		},
		"select": func(L *lua.LState) int {
			slot := L.CheckInt(1)
			return pushResult(L, call(vm, func(ctx context.Context) error {
				return e.ctrl.SelectCurrent(ctx, slot)
			}))
		},
		"live": func(L *lua.LState) int {
			c := checkColor(L, 1)
			return pushResult(L, call(vm, func(ctx context.Context) error {
				return e.ctrl.SetLiveColor(ctx, c)
			}))
		},
		"save": func(L *lua.LState) int {
			return pushResult(L, call(vm, e.ctrl.Save))
		},
		"refresh": func(L *lua.LState) int {
			return pushResult(L, call(vm, e.ctrl.Refresh))
		},
	}
	L.SetGlobal("light", L.SetFuncs(L.NewTable(), fns))
}

// call runs fn with a deadline bounded by the VM's lifetime.
func call(vm *scriptVM, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(vm.ctx, callTimeout)
	defer cancel()
	return fn(ctx)
}

// pushResult returns true, or false plus the error message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// checkColor reads r, g, b arguments starting at n.
func checkColor(L *lua.LState, n int) colorful.Color {
	ch := func(i int) float64 {
		v := L.CheckInt(i)
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return float64(v) / 255
	}
	return colorful.Color{R: ch(n), G: ch(n + 1), B: ch(n + 2)}
}

// light.on(event_type, [filter], fn)
func lightOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		if v := L.CheckTable(2).RawGetString("command"); v != lua.LNil {
			h.command = v.String()
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// light.presets() returns an array of {slot, color, r, g, b, current, dirty}.
func lightPresets(L *lua.LState, vm *scriptVM, e *Engine) int {
	var tbl *lua.LTable
	err := call(vm, func(ctx context.Context) error {
		presets, err := e.ctrl.Presets(ctx)
		if err != nil {
			return err
		}
		tbl = L.NewTable()
		for i, p := range presets {
			tbl.RawSetInt(i+1, goToLua(L, presetFields(p)))
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("light.presets", "err", err)
		L.Push(L.NewTable())
		return 1
	}
	L.Push(tbl)
	return 1
}

// light.status() returns {state, connected, current, dirty, presets}.
func lightStatus(L *lua.LState, vm *scriptVM, e *Engine) int {
	var tbl lua.LValue = lua.LNil
	err := call(vm, func(ctx context.Context) error {
		st, err := e.ctrl.Status(ctx)
		if err != nil {
			return err
		}
		tbl = goToLua(L, map[string]any{
			"state":     st.State.String(),
			"connected": st.Connected,
			"degraded":  st.Degraded,
			"current":   st.Current,
			"presets":   st.Presets,
			"dirty":     st.Dirty,
		})
		return nil
	})
	if err != nil {
		e.logger.Warn("light.status", "err", err)
	}
	L.Push(tbl)
	return 1
}

// light.add(r, g, b) returns the new slot, or nil and an error.
func lightAdd(L *lua.LState, vm *scriptVM, e *Engine) int {
	c := checkColor(L, 1)
	var slot int
	err := call(vm, func(ctx context.Context) error {
		var err error
		slot, err = e.ctrl.AddPreset(ctx, c)
		return err
	})
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(slot))
	return 1
}

// light.after(seconds, fn) runs fn on the script's VM once the delay passes.
func lightAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// light.log(msg)
func lightLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}
