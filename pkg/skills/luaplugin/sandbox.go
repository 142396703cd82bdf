package luaplugin

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var safeLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// Globals removed from the base library: each can load code from disk or
// from a string outside the artifact.
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "module"}

// builtinModules may be required by name; they are already open as globals.
var builtinModules = map[string]bool{
	lua.TabLibName:    true,
	lua.StringLibName: true,
	lua.MathLibName:   true,
}

// openSafeLibs opens the base, table, string and math libraries only.
// os, io, debug, channel, coroutine and package are never available.
func openSafeLibs(L *lua.LState) {
	for _, lib := range safeLibs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
}

// installPrint sends print output to the plugin's logger.
func (p *Plugin) installPrint(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		p.log.WithField("source", "lua").Info(strings.Join(parts, "\t"))
		return 0
	}))
}

// installRequire replaces require with a loader that resolves modules only
// inside the plugin's own artifact. Results are cached per state.
func (p *Plugin) installRequire(L *lua.LState) {
	loaded := L.NewTable()
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		if builtinModules[name] {
			L.Push(L.GetGlobal(name))
			return 1
		}
		if v := loaded.RawGetString(name); v != lua.LNil {
			L.Push(v)
			return 1
		}

		proto, err := p.compile(name)
		if err != nil {
			L.RaiseError("module %q is not available: %s", name, err.Error())
			return 0
		}

		L.Push(L.NewFunctionFromProto(proto))
		L.Push(lua.LString(name))
		L.Call(1, 1)
		v := L.Get(-1)
		L.Pop(1)
		if v == lua.LNil {
			v = lua.LTrue
		}
		loaded.RawSetString(name, v)
		L.Push(v)
		return 1
	}))
}
