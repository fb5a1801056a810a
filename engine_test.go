package uosteam

import "testing"

func TestRegisterCommandOverwritesPriorBinding(t *testing.T) {
	e := NewEngine(nil)
	var calls []string
	e.RegisterCommand("msg", func(name string, args []*Argument, quiet, force bool) (bool, error) {
		calls = append(calls, "first")
		return true, nil
	})
	e.RegisterCommand("MSG", func(name string, args []*Argument, quiet, force bool) (bool, error) {
		calls = append(calls, "second")
		return true, nil
	})
	h, ok := e.commandHandler("msg")
	if !ok {
		t.Fatalf("expected a registered handler for msg")
	}
	h("msg", nil, false, false)
	if len(calls) != 1 || calls[0] != "second" {
		t.Fatalf("expected the later registration to win, got %v", calls)
	}
}

func TestAliasHandlerTakesPrecedenceOverStatic(t *testing.T) {
	e := NewEngine(nil)
	e.SetAlias("Logs", 100)
	if got := e.GetAlias("Logs"); got != 100 {
		t.Fatalf("GetAlias = %d, want 100", got)
	}
	e.RegisterAliasHandler("logs", func(name string) uint32 { return 200 })
	if got := e.GetAlias("Logs"); got != 200 {
		t.Fatalf("expected the dynamic handler to take precedence, got %d", got)
	}
	e.UnregisterAliasHandler("logs")
	if got := e.GetAlias("Logs"); got != 100 {
		t.Fatalf("expected the static binding to resurface after unregistering, got %d", got)
	}
}

func TestGetAliasAbsentSentinel(t *testing.T) {
	e := NewEngine(nil)
	if got := e.GetAlias("nobody"); got != AliasAbsent {
		t.Fatalf("GetAlias on an unknown name = %d, want AliasAbsent", got)
	}
}

func TestListLifecycle(t *testing.T) {
	e := NewEngine(nil)
	if _, err := e.ListLength("L"); err == nil {
		t.Fatalf("expected an error reading a list that does not exist")
	}
	e.CreateList("L")
	if !e.ListExists("L") {
		t.Fatalf("expected L to exist after CreateList")
	}
	n, err := e.ListLength("L")
	if err != nil || n != 0 {
		t.Fatalf("ListLength = %d, %v; want 0, nil", n, err)
	}

	v1 := NewArgument(nil, NewNode(TagString, "a"))
	v2 := NewArgument(nil, NewNode(TagString, "b"))
	if err := e.ListPush("L", v1, false, false); err != nil {
		t.Fatalf("ListPush error: %v", err)
	}
	if err := e.ListPush("L", v2, false, false); err != nil {
		t.Fatalf("ListPush error: %v", err)
	}
	if err := e.ListPush("L", v1, false, true); err != nil {
		t.Fatalf("ListPush unique error: %v", err)
	}
	n, _ = e.ListLength("L")
	if n != 2 {
		t.Fatalf("expected a unique push of an existing value to be a no-op, got length %d", n)
	}

	ok, err := e.ListContains("L", v1)
	if err != nil || !ok {
		t.Fatalf("ListContains(a) = %v, %v; want true, nil", ok, err)
	}

	removed, err := e.ListPopValue("L", v1)
	if err != nil || !removed {
		t.Fatalf("ListPopValue(a) = %v, %v; want true, nil", removed, err)
	}
	n, _ = e.ListLength("L")
	if n != 1 {
		t.Fatalf("expected length 1 after popping a, got %d", n)
	}

	got, err := e.ListPopEnd("L", true)
	if err != nil || got.rawLexeme() != "b" {
		t.Fatalf("ListPopEnd(front) = %v, %v; want b, nil", got, err)
	}

	if _, err := e.ListPopEnd("L", true); err == nil {
		t.Fatalf("expected an error popping from an empty list")
	}

	e.DestroyList("L")
	if e.ListExists("L") {
		t.Fatalf("expected L to no longer exist after DestroyList")
	}
}

func TestTimerLifecycle(t *testing.T) {
	e := NewEngine(nil)
	if _, err := e.TimerElapsed("T"); err == nil {
		t.Fatalf("expected an error reading a timer that was never created")
	}
	e.SetTimer("T", 1000) // as if created 1000ms ago
	elapsed, err := e.TimerElapsed("T")
	if err != nil {
		t.Fatalf("TimerElapsed error: %v", err)
	}
	if elapsed <= 0 {
		t.Fatalf("expected a positive elapsed duration, got %v", elapsed)
	}
	if !e.TimerExists("T") {
		t.Fatalf("expected T to exist after SetTimer")
	}
	e.RemoveTimer("T")
	if e.TimerExists("T") {
		t.Fatalf("expected T to no longer exist after RemoveTimer")
	}
}

func TestExecutionStateMachinePauseAndUnpause(t *testing.T) {
	e := NewEngine(nil)
	root, _ := Lex([]string{"msg a"})
	script := NewScript(root, e)
	e.active = script
	e.state = StateRunning

	e.Pause(10000) // long enough to still be PAUSED on the next Tick
	if e.State() != StatePaused {
		t.Fatalf("expected PAUSED after Pause, got %v", e.State())
	}

	// pause/timeout calls are ignored unless currently RUNNING.
	e.Timeout(10000, func() bool { return true })
	if e.State() != StatePaused {
		t.Fatalf("expected Timeout to be ignored while PAUSED, got %v", e.State())
	}

	e.Unpause()
	if e.State() != StateRunning {
		t.Fatalf("expected RUNNING after Unpause, got %v", e.State())
	}
}

func TestExecutionStateMachineTimingOutInvokesCallbackAndAdvances(t *testing.T) {
	e := NewEngine(nil)
	root, _ := Lex([]string{"msg a", "msg b"})
	script := NewScript(root, e)
	e.active = script
	e.state = StateRunning

	e.Timeout(-1, func() bool { return true }) // deadline already elapsed
	active, err := e.Tick()
	if err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if !active {
		t.Fatalf("expected the script to remain active after a true timeout callback")
	}
	if e.State() != StateRunning {
		t.Fatalf("expected RUNNING after the timeout callback resolves, got %v", e.State())
	}
	if script.Cursor() == nil || script.Cursor().FirstChild().FirstChild().Lexeme() != "b" {
		t.Fatalf("expected the cursor to have advanced past the timed-out statement")
	}
}

func TestExecutionStateMachineTimingOutStopsOnFalseCallback(t *testing.T) {
	e := NewEngine(nil)
	root, _ := Lex([]string{"msg a"})
	script := NewScript(root, e)
	e.active = script
	e.state = StateRunning

	e.Timeout(-1, func() bool { return false })
	active, err := e.Tick()
	if err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if active {
		t.Fatalf("expected the script to stop after a false timeout callback")
	}
	if e.ActiveScript() != nil {
		t.Fatalf("expected no active script after stopping")
	}
}

func TestClearTimeoutIsNoOpOutsideTimingOut(t *testing.T) {
	e := NewEngine(nil)
	e.state = StateRunning
	e.ClearTimeout()
	if e.State() != StateRunning {
		t.Fatalf("ClearTimeout outside TIMING_OUT should be a no-op, got %v", e.State())
	}
}
