package sandbox

import (
	lua "github.com/yuin/gopher-lua"
)

// HostModule is the only non-builtin module extension code may require().
const HostModule = "host"

// safeModules are the built-in modules require() may load.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// safeLoaded are the entries kept in package.loaded after lockdown.
var safeLoaded = map[string]bool{
	"_G": true, "string": true, "table": true, "math": true, "package": true,
}

// lockdown removes every path from the VM to the filesystem or arbitrary
// code loading. Only preloaded modules and whitelisted builtins survive.
func lockdown(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	// Clear package.path/cpath so nothing can be resolved from disk, and
	// drop any pre-injected entries from package.loaded.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))

		if loaded, ok := L.GetField(pkg, "loaded").(*lua.LTable); ok {
			var remove []string
			loaded.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !safeLoaded[string(ks)] {
					remove = append(remove, string(ks))
				}
			})
			for _, key := range remove {
				loaded.RawSetString(key, lua.LNil)
			}
		}
	}

	originalRequire := L.GetGlobal("require")

	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if safeModules[modName] || modName == HostModule {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}

		// L.RaiseError does a longjmp; the return is unreachable.
		L.RaiseError("module %q is not available", modName)
		return 0
	}))
}
