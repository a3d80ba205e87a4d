package lua

import (
	"context"
	"errors"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Tag classifies a failed sandboxed invocation.
type Tag int

// Invocation failure tags.
const (
	// TagNotFound - the method does not exist or is not callable. No
	// plugin code was executed.
	TagNotFound Tag = iota

	// TagTimeout - the call exceeded its deadline and was abandoned.
	TagTimeout

	// TagThrew - the call raised an error or panicked.
	TagThrew
)

// String returns a string representation of the tag.
func (t Tag) String() string {
	switch t {
	case TagNotFound:
		return "not-found"
	case TagTimeout:
		return "timeout"
	case TagThrew:
		return "threw"
	default:
		return "unknown"
	}
}

// SandboxError is the single error shape for failed lifecycle calls.
// Exactly one of the tags applies; a call never yields both a result
// and an error.
type SandboxError struct {
	Plugin string
	Method string
	Tag    Tag
	Err    error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %s: %v", e.Plugin, e.Method, e.Tag, e.Err)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}

// Invoker executes plugin lifecycle calls with a deadline.
//
// The deadline is cooperative: the Lua VM checks its context between
// operations, so most runaway code aborts shortly after the deadline.
// A call stuck inside a single operation cannot be preempted; the
// invoker stops waiting, reports TagTimeout, and the abandoned
// goroutine keeps the state's mutex until it returns. Callers must
// discard a timed-out State.
type Invoker struct {
	timeout time.Duration
}

// NewInvoker creates an invoker with the given per-call deadline.
// A non-positive timeout falls back to DefaultInvokeTimeout.
func NewInvoker(timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return &Invoker{timeout: timeout}
}

// Timeout returns the per-call deadline.
func (inv *Invoker) Timeout() time.Duration {
	return inv.timeout
}

// Invoke calls the named global function in the plugin's state.
// The outcome is either the call's results or a *SandboxError tagged
// NotFound, Timeout, or Threw - never both.
func (inv *Invoker) Invoke(ctx context.Context, pluginName string, st *State, method string, args ...lua.LValue) ([]lua.LValue, error) {
	if !st.HasFunction(method) {
		return nil, &SandboxError{
			Plugin: pluginName,
			Method: method,
			Tag:    TagNotFound,
			Err:    fmt.Errorf("%w: %s", ErrFunctionNotFound, method),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	type callResult struct {
		vals []lua.LValue
		err  error
	}
	done := make(chan callResult, 1)

	go func() {
		vals, err := st.callWithContext(callCtx, method, args...)
		done <- callResult{vals: vals, err: err}
	}()

	select {
	case r := <-done:
		return inv.outcome(pluginName, method, r.vals, r.err)
	case <-callCtx.Done():
		// Give a cooperative abort a moment to surface as a result so
		// the reported tag matches what actually happened.
		select {
		case r := <-done:
			return inv.outcome(pluginName, method, r.vals, r.err)
		case <-time.After(50 * time.Millisecond):
		}
		return nil, &SandboxError{
			Plugin: pluginName,
			Method: method,
			Tag:    TagTimeout,
			Err:    callCtx.Err(),
		}
	}
}

// RunProto executes a compiled entry module under the same deadline as
// a lifecycle call. Top-level plugin code gets no more latitude than
// init does: the outcome is nil or a *SandboxError tagged Timeout or
// Threw, and a timed-out State must be discarded by the caller.
func (inv *Invoker) RunProto(ctx context.Context, pluginName string, st *State, proto *lua.FunctionProto) error {
	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- st.runProtoWithContext(callCtx, proto)
	}()

	select {
	case err := <-done:
		_, oerr := inv.outcome(pluginName, "module", nil, err)
		return oerr
	case <-callCtx.Done():
		select {
		case err := <-done:
			_, oerr := inv.outcome(pluginName, "module", nil, err)
			return oerr
		case <-time.After(50 * time.Millisecond):
		}
		return &SandboxError{
			Plugin: pluginName,
			Method: "module",
			Tag:    TagTimeout,
			Err:    callCtx.Err(),
		}
	}
}

func (inv *Invoker) outcome(pluginName, method string, vals []lua.LValue, err error) ([]lua.LValue, error) {
	if err == nil {
		return vals, nil
	}
	tag := TagThrew
	if errors.Is(err, context.DeadlineExceeded) || isContextAbort(err) {
		tag = TagTimeout
	}
	return nil, &SandboxError{
		Plugin: pluginName,
		Method: method,
		Tag:    tag,
		Err:    err,
	}
}

// isContextAbort detects the VM's context-cancellation error, which
// gopher-lua reports as a plain Lua error string.
func isContextAbort(err error) bool {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Cause != nil && errors.Is(apiErr.Cause, context.DeadlineExceeded)
	}
	return false
}

// runProtoWithContext is RunProto with a context installed on the VM
// for the duration of the chunk.
func (s *State) runProtoWithContext(ctx context.Context, proto *lua.FunctionProto) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		s.L.Push(s.L.NewFunctionFromProto(proto))
		callErr = s.L.PCall(0, lua.MultRet, nil)
	}()
	if callErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, callErr)
		}
		return callErr
	}
	return nil
}

// callWithContext is Call with a context installed on the VM for the
// duration of the call.
func (s *State) callWithContext(ctx context.Context, fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, fn)
	}

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

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
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, callErr)
		}
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
