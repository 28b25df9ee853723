// Package script compiles and runs user-supplied transform scripts in a
// sandboxed Lua interpreter. Scripts see the event as a global table and
// may mutate it; they get no filesystem, process or network access, and
// every run is bounded by a wall-clock timeout.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	luajson "github.com/alicebob/gopher-json"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/hooktrap/hooktrap/log"
)

const chunkName = "transform"

// Script is a compiled transform. Compilation happens once per distinct
// source; every Run executes in a fresh interpreter state.
type Script struct {
	source string
	proto  *lua.FunctionProto
}

// Compile parses and compiles source. Empty (or all-whitespace) source
// yields a nil Script and no error.
func Compile(source string) (*Script, error) {
	src := strings.TrimSpace(source)
	if src == "" {
		return nil, nil
	}
	chunk, err := parse.Parse(strings.NewReader(src), chunkName)
	if err != nil {
		return nil, fmt.Errorf("cannot parse transform script: %s", err)
	}
	proto, err := lua.Compile(chunk, chunkName)
	if err != nil {
		return nil, fmt.Errorf("cannot compile transform script: %s", err)
	}
	return &Script{source: src, proto: proto}, nil
}

// Recompile returns prev when source is unchanged after normalization,
// so config reloads only pay for compilation when the script actually
// differs.
func Recompile(prev *Script, source string) (*Script, error) {
	src := strings.TrimSpace(source)
	if src == "" {
		return nil, nil
	}
	if prev != nil && prev.source == src {
		return prev, nil
	}
	return Compile(src)
}

// Source returns the normalized source the script was compiled from.
func (s *Script) Source() string {
	return s.source
}

// Run executes the script against event within timeout and returns the
// possibly mutated event document. req carries read-only request
// metadata. Errors cover script failures, timeouts and scripts that
// clobber the event global with a non-table.
func (s *Script) Run(event, req map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if err := openSandbox(L); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	L.SetContext(ctx)

	evTable, err := toLua(L, event)
	if err != nil {
		return nil, fmt.Errorf("cannot pass event to script: %s", err)
	}
	reqTable, err := toLua(L, req)
	if err != nil {
		return nil, fmt.Errorf("cannot pass request to script: %s", err)
	}
	L.SetGlobal("event", evTable)
	L.SetGlobal("req", reqTable)
	installConsole(L)

	L.Push(L.NewFunctionFromProto(s.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("script timed out after %s", timeout)
		}
		return nil, fmt.Errorf("script failed: %s", err)
	}

	out, err := fromLua(L.GetGlobal("event"))
	if err != nil {
		return nil, fmt.Errorf("script left event in an unusable state: %s", err)
	}
	return out, nil
}

// openSandbox loads the computational core of the Lua stdlib. io and os
// stay closed, file loaders are disabled and print is rerouted to our
// logger, so the only effect a script can have is on the event table.
func openSandbox(L *lua.LState) error {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("cannot open lua lib %q: %s", lib.name, err)
		}
	}
	luajson.Preload(L)

	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	pkg := L.GetGlobal("package")
	L.SetField(pkg, "path", lua.LString(""))
	L.SetField(pkg, "cpath", lua.LString(""))
	return nil
}

func installConsole(L *lua.LState) {
	console := L.NewTable()
	logAt := func(emit func(format string, args ...interface{})) *lua.LFunction {
		return L.NewFunction(func(L *lua.LState) int {
			emit("script: %s", consoleArgs(L))
			return 0
		})
	}
	L.SetField(console, "log", logAt(log.Debugf))
	L.SetField(console, "warn", logAt(log.Infof))
	L.SetField(console, "error", logAt(log.Errorf))
	L.SetGlobal("console", console)
	L.SetGlobal("print", logAt(log.Debugf))
}

func consoleArgs(L *lua.LState) string {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.Get(i).String())
	}
	return strings.Join(parts, " ")
}

func toLua(L *lua.LState, doc map[string]interface{}) (lua.LValue, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return luajson.Decode(L, raw)
}

func fromLua(v lua.LValue) (map[string]interface{}, error) {
	raw, err := luajson.Encode(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
