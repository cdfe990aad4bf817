package instance

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/exthost/internal/dispatch"
	"github.com/dshills/exthost/internal/sandbox"
)

// installHostModule preloads the "host" Lua module exposing exactly the
// granted capabilities. Ungranted namespaces are absent, so a call through
// them fails in Lua with an index error rather than reaching the host.
//
// Every function here runs on the instance's executor goroutine; the
// capability handles themselves re-check revocation on each call.
func installHostModule(vm *sandbox.VM, inst *Instance) {
	vm.PreloadModule(sandbox.HostModule, func(L *lua.LState) int {
		mod := L.NewTable()

		if logging, err := inst.caps.Logging(); err == nil {
			logTbl := L.NewTable()
			L.SetField(logTbl, "info", L.NewFunction(luaLogFn(logging.Info)))
			L.SetField(logTbl, "warn", L.NewFunction(luaLogFn(logging.Warn)))
			L.SetField(logTbl, "error", L.NewFunction(luaLogFn(logging.Error)))
			L.SetField(mod, "log", logTbl)
		}

		if notify, err := inst.caps.Notifications(); err == nil {
			notifyTbl := L.NewTable()
			L.SetField(notifyTbl, "show_info", L.NewFunction(luaNotifyFn(notify.ShowInfo)))
			L.SetField(notifyTbl, "show_warning", L.NewFunction(luaNotifyFn(notify.ShowWarning)))
			L.SetField(notifyTbl, "show_error", L.NewFunction(luaNotifyFn(notify.ShowError)))
			L.SetField(mod, "notify", notifyTbl)
		}

		if commands, err := inst.caps.Commands(); err == nil {
			cmdTbl := L.NewTable()
			L.SetField(cmdTbl, "register", L.NewFunction(luaRegisterCommand(commands)))
			L.SetField(cmdTbl, "unregister", L.NewFunction(luaUnregisterCommand(commands)))
			L.SetField(mod, "commands", cmdTbl)
		}

		L.SetField(mod, "extension", lua.LString(inst.manifest.Name))

		L.Push(mod)
		return 1
	})
}

// luaLogFn adapts a logging handle method. Fire-and-forget: a revoked
// handle makes the call a no-op returning an error string.
func luaLogFn(fn func(string) error) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		if err := fn(msg); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}
}

// luaNotifyFn adapts a notification handle method: returns true, or
// (nil, message) on transport failure or revocation.
func luaNotifyFn(fn func(context.Context, string) error) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := fn(ctx, msg); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}
}

// luaRegisterCommand adapts the commands handle. Takes a definition table:
// { id = "...", title = "...", category = "...", icon = "..." }.
func luaRegisterCommand(commands interface {
	Register(dispatch.Definition) error
}) lua.LGFunction {
	return func(L *lua.LState) int {
		opts := L.CheckTable(1)

		def := dispatch.Definition{
			ID:       tableString(opts, "id"),
			Title:    tableString(opts, "title"),
			Category: tableString(opts, "category"),
			Icon:     tableString(opts, "icon"),
		}

		if err := commands.Register(def); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}
}

// luaUnregisterCommand adapts command removal.
func luaUnregisterCommand(commands interface {
	Unregister(string) (bool, error)
}) lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.CheckString(1)
		removed, err := commands.Unregister(id)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LBool(removed))
		return 1
	}
}

// tableString reads a string field from a Lua table, empty when absent.
func tableString(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}
