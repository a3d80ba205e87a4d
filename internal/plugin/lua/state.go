// Package lua provides the sandboxed Lua runtime plugins execute in.
package lua

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// DefaultInvokeTimeout bounds each lifecycle call. The deadline is the
// sole execution bound: gopher-lua offers no instruction accounting, so
// runaway plugin code is cut off by time, not by op count.
const DefaultInvokeTimeout = 5 * time.Second

// State wraps gopher-lua with sandboxing for plugin execution.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes all
// access from Go code; Lua execution itself is single-threaded. A call
// abandoned by the invoker after a timeout may still hold the mutex, so
// a timed-out State must be discarded, never reused.
type State struct {
	L *lua.LState

	mu sync.Mutex

	sandbox *Sandbox
	closed  bool
}

// NewState creates a new sandboxed Lua state.
func NewState() (*State, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // opened selectively below
	})

	openSafeLibraries(L)

	state := &State{L: L, sandbox: NewSandbox(L)}
	state.sandbox.Install()

	return state, nil
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Intentionally not opened: io, os, debug, package beyond what the
	// sandbox re-exposes. Plugins reach the host only through the
	// capability surface handed to init.
}

// CompileFile parses and compiles a Lua source file without executing
// it. The returned proto is the loaded-but-not-run form of the plugin's
// entry module.
func CompileFile(path string) (*lua.FunctionProto, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	chunk, err := parse.Parse(bufio.NewReader(file), path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", path, err)
	}
	return proto, nil
}

// RunProto executes a compiled chunk in this state with no deadline.
// Plugin entry modules run through Invoker.RunProto instead, which
// bounds the chunk the same way it bounds a lifecycle call.
func (s *State) RunProto(proto *lua.FunctionProto) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	return s.doWithRecovery(func() error {
		s.L.Push(s.L.NewFunctionFromProto(proto))
		return s.L.PCall(0, lua.MultRet, nil)
	})
}

// DoString executes a Lua string. Used by tests.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	return s.doWithRecovery(func() error {
		return s.L.DoString(code)
	})
}

// doWithRecovery executes a function with panic recovery. Callers must
// hold s.mu.
func (s *State) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// Do runs fn with exclusive access to the underlying LState. All
// handler dispatch from Go goes through here.
func (s *State) Do(fn func(L *lua.LState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	return s.doWithRecovery(func() error {
		return fn(s.L)
	})
}

// Call calls a global Lua function with the given arguments and returns
// its results.
func (s *State) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal == lua.LNil {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, fn)
	}
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s is a %s", ErrFunctionNotFound, fn, fnVal.Type())
	}

	stackTop := s.L.GetTop()

	s.L.Push(fnVal)
	for _, arg := range args {
		s.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = s.L.PCall(len(args), lua.MultRet, nil)
	}()
	if callErr != nil {
		return nil, callErr
	}

	nRet := s.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = s.L.Get(stackTop + i + 1)
	}
	s.L.Pop(nRet)

	return results, nil
}

// HasFunction reports whether a callable global with the name exists.
func (s *State) HasFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// Sandbox returns the sandbox installed in this state.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// LuaState returns the underlying gopher-lua state.
//
// WARNING: direct access bypasses the mutex. Callers must hold the
// state exclusively, e.g. inside Do.
func (s *State) LuaState() *lua.LState {
	return s.L
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Safe to call twice.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
