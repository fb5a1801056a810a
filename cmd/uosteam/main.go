// Command uosteam is the demonstration host for the uosteam interpreter
// core: a small "sample tester" (per the host surface's described tester)
// that registers a handful of demo command/expression handlers,
// lexes a .uos script, and ticks an Engine to completion, optionally
// stepping one statement at a time under a raw-mode terminal.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/kettlewell/uosteam"
)

func main() {
	step := flag.Bool("step", false, "step one statement at a time, pausing for a keypress")
	debug := flag.Bool("debug", false, "enable verbose engine logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: uosteam [-step] [-debug] <script.uos>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	cfg := uosteam.DefaultConfig()
	cfg.Debug = *debug
	engine := uosteam.NewEngine(cfg)
	registerDemoHandlers(engine)

	root, err := uosteam.LexFile(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lex error:", err)
		os.Exit(1)
	}

	script := uosteam.NewScript(root, engine)

	if _, err := engine.StartScript(script); err != nil {
		fmt.Fprintln(os.Stderr, "runtime error:", err)
		os.Exit(1)
	}

	if *step {
		runStepper(engine)
		return
	}

	for {
		active, err := engine.Tick()
		if err != nil {
			fmt.Fprintln(os.Stderr, "runtime error:", err)
			os.Exit(1)
		}
		if !active {
			break
		}
	}
}

// registerDemoHandlers wires a handful of placeholder commands/expressions
// so a .uos file can be run standalone, printing one "cmd NAME a b c" line
// per invocation the way the host surface's sample tester does.
func registerDemoHandlers(engine *uosteam.Engine) {
	printer := func(name string, args []*uosteam.Argument, quiet, force bool) (bool, error) {
		printCall(name, args)
		return true, nil
	}

	for _, name := range []string{"msg", "setalias", "createlist", "headmsg", "sysmsg"} {
		engine.RegisterCommand(name, printer)
	}

	// Re-registering "createlist" overwrites the generic printer above —
	// each registration overwrites any prior binding of the same name.
	engine.RegisterCommand("createlist", func(name string, args []*uosteam.Argument, quiet, force bool) (bool, error) {
		printCall(name, args)
		if len(args) != 1 {
			return false, fmt.Errorf("createlist expects exactly one list name")
		}
		listName, err := args[0].AsString()
		if err != nil {
			return false, err
		}
		engine.CreateList(listName)
		return true, nil
	})

	engine.RegisterExpression("true", func(name string, args []*uosteam.Argument, quiet bool) (uosteam.Comparable, error) {
		return uosteam.BoolComparable(true), nil
	})
	engine.RegisterExpression("false", func(name string, args []*uosteam.Argument, quiet bool) (uosteam.Comparable, error) {
		return uosteam.BoolComparable(false), nil
	})
}

func printCall(name string, args []*uosteam.Argument) {
	fmt.Printf("cmd %s", name)
	for _, a := range args {
		s, err := a.AsString()
		if err != nil {
			s = "<error>"
		}
		fmt.Printf(" %s", s)
	}
	fmt.Println()
}

// runStepper drops into a raw-mode keypress loop, advancing the engine one
// tick per keypress — the step-debugger companion to the out-of-scope
// AST-printing utility. Grounded on the teacher's terminal.go use of
// term.MakeRaw/term.Restore for raw keyboard input around a REPL loop.
func runStepper(engine *uosteam.Engine) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal; running to completion instead")
		for {
			active, err := engine.Tick()
			if err != nil {
				fmt.Fprintln(os.Stderr, "runtime error:", err)
				os.Exit(1)
			}
			if !active {
				return
			}
		}
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot enter raw mode:", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	reader := bufio.NewReader(os.Stdin)
	fmt.Fprint(os.Stdout, "step mode: press any key to advance, 'q' to quit\r\n")

	for {
		if script := engine.ActiveScript(); script == nil || !script.Active() {
			fmt.Fprint(os.Stdout, "\r\nscript finished\r\n")
			return
		}

		b, err := reader.ReadByte()
		if err != nil {
			return
		}
		if b == 'q' || b == 'Q' || b == 3 { // 3 == Ctrl-C
			return
		}

		active, err := engine.Tick()
		if err != nil {
			fmt.Fprintf(os.Stdout, "\r\nruntime error: %v\r\n", err)
			return
		}
		if !active {
			fmt.Fprint(os.Stdout, "\r\nscript finished\r\n")
			return
		}
	}
}
