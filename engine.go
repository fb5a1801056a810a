package uosteam

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// AliasAbsent is the sentinel returned by GetAlias when no static or
// dynamic binding exists for a name.
const AliasAbsent uint32 = math.MaxUint32

// CommandHandler is invoked for a COMMAND statement. It returns whether
// the cursor should advance past the command on this tick — a handler may
// return false to "stall" while waiting on an external condition, and
// will be invoked again on the next tick with the same arguments.
type CommandHandler func(name string, args []*Argument, quiet, force bool) (bool, error)

// ExpressionHandler is invoked to resolve a COMMAND (inside a UNARY
// expression) or an OPERAND (inside a BINARY expression) to a Comparable.
type ExpressionHandler func(name string, args []*Argument, quiet bool) (Comparable, error)

// AliasHandler computes a serial dynamically for a given alias name.
type AliasHandler func(name string) uint32

// TimeoutCallback is invoked when a TIMING_OUT deadline elapses. Returning
// true advances the cursor past the current statement and resumes
// RUNNING; returning false stops the active script.
type TimeoutCallback func() bool

// ExecState is the engine's cooperative-scheduling state.
type ExecState int

const (
	StateRunning ExecState = iota
	StatePaused
	StateTimingOut
)

func (s ExecState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateTimingOut:
		return "TIMING_OUT"
	default:
		return "UNKNOWN"
	}
}

// Engine holds all process-wide interpreter state as an explicit value
// rather than a package-level singleton — the redesign called for in the
// design notes ("encapsulate this in an explicit engine/context value that
// callers pass around"). A program may construct as many Engines as it
// likes; each is independent and single-threaded by contract.
type Engine struct {
	config *Config
	logger *Logger

	commandHandlers    map[string]CommandHandler
	expressionHandlers map[string]ExpressionHandler
	aliasHandlers      map[string]AliasHandler

	aliases map[string]uint32
	lists   map[string][]*Argument
	timers  map[string]time.Time

	active *Script

	state    ExecState
	deadline time.Time
	timeout  TimeoutCallback
}

// NewEngine constructs an Engine. A nil cfg uses DefaultConfig.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := NewLogger(cfg.Debug)
	if cfg.Debug {
		// DefaultConfig's Debug flag means "verbose": drop the floor down
		// from the default Info level so Trace/Debug-level tick-by-tick
		// messages actually reach the writer instead of being filtered.
		logger.SetMinLevel(LevelTrace)
	}
	return &Engine{
		config:             cfg,
		logger:             logger,
		commandHandlers:    make(map[string]CommandHandler),
		expressionHandlers: make(map[string]ExpressionHandler),
		aliasHandlers:      make(map[string]AliasHandler),
		aliases:            make(map[string]uint32),
		lists:              make(map[string][]*Argument),
		timers:             make(map[string]time.Time),
	}
}

// Logger returns the engine's diagnostic logger.
func (e *Engine) Logger() *Logger { return e.logger }

// Config returns the engine's configuration.
func (e *Engine) Config() *Config { return e.config }

// State returns the current execution state.
func (e *Engine) State() ExecState { return e.state }

func normalizeName(name string) string { return strings.ToLower(name) }

// RegisterCommand binds name to handler, overwriting any prior binding.
func (e *Engine) RegisterCommand(name string, handler CommandHandler) {
	key := normalizeName(name)
	if _, exists := e.commandHandlers[key]; exists {
		e.logger.Debug(CatCommand, fmt.Sprintf("re-registering command %q, overwriting the prior binding", key), nil)
	}
	e.commandHandlers[key] = handler
}

// RegisterExpression binds name to handler, overwriting any prior binding.
func (e *Engine) RegisterExpression(name string, handler ExpressionHandler) {
	key := normalizeName(name)
	if _, exists := e.expressionHandlers[key]; exists {
		e.logger.Debug(CatExpression, fmt.Sprintf("re-registering expression %q, overwriting the prior binding", key), nil)
	}
	e.expressionHandlers[key] = handler
}

// RegisterAliasHandler binds name to handler, overwriting any prior
// binding.
func (e *Engine) RegisterAliasHandler(name string, handler AliasHandler) {
	key := normalizeName(name)
	if _, exists := e.aliasHandlers[key]; exists {
		e.logger.Debug(CatAlias, fmt.Sprintf("re-registering alias handler %q, overwriting the prior binding", key), nil)
	}
	e.aliasHandlers[key] = handler
}

// UnregisterAliasHandler removes a dynamic alias handler. Commands and
// expressions have no equivalent unregister call — per the resolved open
// question on unregistration asymmetry, that asymmetry is preserved
// faithfully rather than "fixed".
func (e *Engine) UnregisterAliasHandler(name string) {
	key := normalizeName(name)
	e.logger.Debug(CatAlias, fmt.Sprintf("unregistering alias handler %q", key), nil)
	delete(e.aliasHandlers, key)
}

func (e *Engine) commandHandler(name string) (CommandHandler, bool) {
	h, ok := e.commandHandlers[normalizeName(name)]
	return h, ok
}

func (e *Engine) expressionHandler(name string) (ExpressionHandler, bool) {
	h, ok := e.expressionHandlers[normalizeName(name)]
	return h, ok
}

// GetAlias consults the dynamic handler map first, then the static map,
// returning AliasAbsent when neither has a binding.
func (e *Engine) GetAlias(name string) uint32 {
	key := normalizeName(name)
	if h, ok := e.aliasHandlers[key]; ok {
		return h(name)
	}
	if v, ok := e.aliases[key]; ok {
		return v
	}
	return AliasAbsent
}

// SetAlias writes the static alias map.
func (e *Engine) SetAlias(name string, serial uint32) {
	e.aliases[normalizeName(name)] = serial
}

// CreateList creates (or resets) a named list to empty.
func (e *Engine) CreateList(name string) {
	key := normalizeName(name)
	e.logger.Debug(CatList, fmt.Sprintf("creating list %q", key), nil)
	e.lists[key] = []*Argument{}
}

// DestroyList removes a list entirely.
func (e *Engine) DestroyList(name string) {
	key := normalizeName(name)
	e.logger.Debug(CatList, fmt.Sprintf("destroying list %q", key), nil)
	delete(e.lists, key)
}

// ListExists reports whether a list has been created.
func (e *Engine) ListExists(name string) bool {
	_, ok := e.lists[normalizeName(name)]
	return ok
}

// list returns the backing slice for a list, for internal use by Script's
// FOREACH handling.
func (e *Engine) list(name string) ([]*Argument, bool) {
	l, ok := e.lists[normalizeName(name)]
	return l, ok
}

// ClearList empties an existing list; a missing list is a runtime error.
func (e *Engine) ClearList(name string) error {
	key := normalizeName(name)
	if _, ok := e.lists[key]; !ok {
		e.logger.Warn(CatList, fmt.Sprintf("clear requested on missing list %q", key), nil)
		return newRuntimeError(nil, "list %q does not exist", name)
	}
	e.lists[key] = []*Argument{}
	return nil
}

// ListLength returns the number of entries in an existing list.
func (e *Engine) ListLength(name string) (int, error) {
	key := normalizeName(name)
	l, ok := e.lists[key]
	if !ok {
		return 0, newRuntimeError(nil, "list %q does not exist", name)
	}
	return len(l), nil
}

// ListContains reports whether value appears in an existing list, by
// lexeme equality.
func (e *Engine) ListContains(name string, value *Argument) (bool, error) {
	key := normalizeName(name)
	l, ok := e.lists[key]
	if !ok {
		return false, newRuntimeError(nil, "list %q does not exist", name)
	}
	for _, item := range l {
		if item.Equal(value) {
			return true, nil
		}
	}
	return false, nil
}

// ListPush appends (or prepends) value to an existing list. When
// unique is true and the value already appears (by lexeme equality), the
// push is a no-op.
func (e *Engine) ListPush(name string, value *Argument, front, unique bool) error {
	key := normalizeName(name)
	l, ok := e.lists[key]
	if !ok {
		return newRuntimeError(nil, "list %q does not exist", name)
	}
	if unique {
		for _, item := range l {
			if item.Equal(value) {
				return nil
			}
		}
	}
	if front {
		l = append([]*Argument{value}, l...)
	} else {
		l = append(l, value)
	}
	e.lists[key] = l
	return nil
}

// ListPopValue removes the first occurrence of value from an existing
// list (by lexeme equality), reporting whether anything was removed.
func (e *Engine) ListPopValue(name string, value *Argument) (bool, error) {
	key := normalizeName(name)
	l, ok := e.lists[key]
	if !ok {
		return false, newRuntimeError(nil, "list %q does not exist", name)
	}
	for i, item := range l {
		if item.Equal(value) {
			e.lists[key] = append(l[:i:i], l[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ListPopEnd removes and returns the front or back element of an existing
// list; an empty list is a runtime error.
func (e *Engine) ListPopEnd(name string, front bool) (*Argument, error) {
	key := normalizeName(name)
	l, ok := e.lists[key]
	if !ok {
		return nil, newRuntimeError(nil, "list %q does not exist", name)
	}
	if len(l) == 0 {
		return nil, newRuntimeError(nil, "list %q is empty", name)
	}
	var v *Argument
	if front {
		v = l[0]
		e.lists[key] = l[1:]
	} else {
		v = l[len(l)-1]
		e.lists[key] = l[:len(l)-1]
	}
	return v, nil
}

// ListGet returns the element of an existing list at index, a runtime
// error if out of range.
func (e *Engine) ListGet(name string, index int) (*Argument, error) {
	key := normalizeName(name)
	l, ok := e.lists[key]
	if !ok {
		return nil, newRuntimeError(nil, "list %q does not exist", name)
	}
	if index < 0 || index >= len(l) {
		return nil, newRuntimeError(nil, "list %q has no element at index %d", name, index)
	}
	return l[index], nil
}

// CreateTimer stamps name with the current instant.
func (e *Engine) CreateTimer(name string) {
	key := normalizeName(name)
	e.logger.Debug(CatTimer, fmt.Sprintf("creating timer %q", key), nil)
	e.timers[key] = time.Now()
}

// RemoveTimer deletes a timer's stamp.
func (e *Engine) RemoveTimer(name string) {
	key := normalizeName(name)
	e.logger.Debug(CatTimer, fmt.Sprintf("removing timer %q", key), nil)
	delete(e.timers, key)
}

// TimerExists reports whether a timer has been created.
func (e *Engine) TimerExists(name string) bool {
	_, ok := e.timers[normalizeName(name)]
	return ok
}

// TimerElapsed returns the time elapsed since a timer's stamp; reading a
// missing timer is a runtime error.
func (e *Engine) TimerElapsed(name string) (time.Duration, error) {
	key := normalizeName(name)
	stamp, ok := e.timers[key]
	if !ok {
		e.logger.Warn(CatTimer, fmt.Sprintf("elapsed requested on missing timer %q", key), nil)
		return 0, newRuntimeError(nil, "timer %q does not exist", name)
	}
	return time.Since(stamp), nil
}

// SetTimer stamps name as if it had been created ms milliseconds ago
// (ms may be negative, yielding an elapsed time in the future). Setting
// always succeeds, creating the timer if needed.
func (e *Engine) SetTimer(name string, ms int64) {
	e.timers[normalizeName(name)] = time.Now().Add(-time.Duration(ms) * time.Millisecond)
}

// StartScript installs s as the active script iff none is active, then
// runs one tick. Returns false if a script was already active.
func (e *Engine) StartScript(s *Script) (bool, error) {
	if e.active != nil {
		e.logger.Warn(CatEngine, "StartScript called while a script is already active", nil)
		return false, nil
	}
	e.logger.Info(CatEngine, "starting script", nil)
	e.active = s
	e.state = StateRunning
	_, err := e.Tick()
	return true, err
}

// StopScript discards the active script and resets to RUNNING. Safe to
// call from within a command handler.
func (e *Engine) StopScript() {
	e.logger.Info(CatEngine, "stopping script", nil)
	e.active = nil
	e.state = StateRunning
	e.timeout = nil
}

// ActiveScript returns the currently active script, or nil.
func (e *Engine) ActiveScript() *Script { return e.active }

// Pause enters PAUSED for ms milliseconds. Ignored unless the engine is
// currently RUNNING — pauses do not stack or override one another.
func (e *Engine) Pause(ms int64) {
	if e.state != StateRunning {
		e.logger.Debug(CatEngine, fmt.Sprintf("pause(%dms) ignored: not RUNNING (%s)", ms, e.state), nil)
		return
	}
	e.logger.Debug(CatEngine, fmt.Sprintf("pausing for %dms", ms), nil)
	e.state = StatePaused
	e.deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
}

// Unpause forces a return to RUNNING.
func (e *Engine) Unpause() {
	e.logger.Debug(CatEngine, "unpausing", nil)
	e.state = StateRunning
}

// Timeout enters TIMING_OUT for ms milliseconds, arming cb to run when the
// deadline elapses. Ignored unless the engine is currently RUNNING.
func (e *Engine) Timeout(ms int64, cb TimeoutCallback) {
	if e.state != StateRunning {
		e.logger.Debug(CatEngine, fmt.Sprintf("timeout(%dms) ignored: not RUNNING (%s)", ms, e.state), nil)
		return
	}
	e.logger.Debug(CatEngine, fmt.Sprintf("arming timeout for %dms", ms), nil)
	e.state = StateTimingOut
	e.deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	e.timeout = cb
}

// ClearTimeout is a no-op outside TIMING_OUT; it is also invoked
// implicitly whenever the script cursor successfully advances.
func (e *Engine) ClearTimeout() {
	if e.state != StateTimingOut {
		return
	}
	e.logger.Debug(CatEngine, "clearing timeout", nil)
	e.state = StateRunning
	e.timeout = nil
}

// clearTimeoutImplicit is the hook Script.advance calls on every
// successful cursor advance.
func (e *Engine) clearTimeoutImplicit() { e.ClearTimeout() }

// Tick executes one AST step of the active script, honoring the current
// execution state, and returns whether a script is still active.
func (e *Engine) Tick() (bool, error) {
	if e.active == nil {
		return false, nil
	}

	switch e.state {
	case StatePaused:
		if time.Now().Before(e.deadline) {
			return true, nil
		}
		e.logger.Debug(CatEngine, "pause deadline elapsed, resuming", nil)
		e.state = StateRunning
	case StateTimingOut:
		if time.Now().Before(e.deadline) {
			return true, nil
		}
		cont := true
		cb := e.timeout
		if cb != nil {
			cont = cb()
		}
		if !cont {
			e.logger.Notice(CatEngine, "timeout callback returned false, stopping script", nil)
			e.StopScript()
			return false, nil
		}
		e.logger.Debug(CatEngine, "timeout callback returned true, advancing and resuming", nil)
		e.active.advance()
		e.state = StateRunning
		active := e.active.Active()
		if !active {
			e.active = nil
		}
		return active, nil
	}

	if err := e.active.ExecuteNext(); err != nil {
		e.logger.Error(CatEngine, fmt.Sprintf("script execution failed: %v", err), nil)
		e.active = nil
		e.state = StateRunning
		return false, err
	}
	active := e.active.Active()
	if !active {
		e.logger.Info(CatEngine, "script finished", nil)
		e.active = nil
	}
	return active, nil
}
