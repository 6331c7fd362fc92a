package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/unixaaa/chibi-scheme/pkg/analyzer"
	"github.com/unixaaa/chibi-scheme/pkg/bytecode"
	"github.com/unixaaa/chibi-scheme/pkg/compiler"
	"github.com/unixaaa/chibi-scheme/pkg/reader"
	"github.com/unixaaa/chibi-scheme/pkg/sexp"
	"github.com/unixaaa/chibi-scheme/pkg/vm"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		runREPL()
		return
	}
	switch os.Args[1] {
	case "version", "-v", "--version":
		fmt.Printf("chibi version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	case "repl":
		runREPL()
	case "run":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "error: no file specified")
			printUsage()
			os.Exit(1)
		}
		if err := runFile(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "disasm", "disassemble":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "error: no file specified")
			printUsage()
			os.Exit(1)
		}
		if err := disasmFile(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	default:
		if err := runFile(os.Args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}

func printUsage() {
	fmt.Println("chibi - a small scheme runtime")
	fmt.Println("\nUsage:")
	fmt.Println("  chibi                 Start interactive REPL")
	fmt.Println("  chibi [file]          Run a scheme file")
	fmt.Println("  chibi run <file>      Run a scheme file")
	fmt.Println("  chibi disasm <file>   Compile a file and print its bytecode")
	fmt.Println("  chibi version         Print version")
}

func newRuntime() (*vm.Context, *analyzer.Analyzer) {
	ctx := vm.NewContext()
	ctx.BindParameter(compiler.CurrentInputPort, sexp.NewInputPort("stdin", os.Stdin))
	ctx.BindParameter(compiler.CurrentOutputPort, sexp.NewOutputPort("stdout", os.Stdout))
	return ctx, analyzer.New(ctx.Globals.Env)
}

func compileFile(path string, a *analyzer.Analyzer) (*sexp.Bytecode, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading source")
	}
	datums, err := reader.New(path, string(src)).ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "parsing")
	}
	ast, err := a.AnalyzeProgram(datums)
	if err != nil {
		return nil, errors.Wrap(err, "analyzing")
	}
	bc, err := compiler.Compile(ast, a.Env())
	if err != nil {
		return nil, errors.Wrapf(err, "compiling %s", path)
	}
	return bc, nil
}

func runFile(path string) error {
	ctx, a := newRuntime()
	bc, err := compileFile(path, a)
	if err != nil {
		return err
	}
	proc := sexp.MakeProcedure(0, 0, bc, &sexp.Vector{})
	res := vm.Apply(ctx, proc, sexp.Null)
	if exc, ok := res.(*sexp.Exception); ok {
		fmt.Fprintf(os.Stderr, "unhandled exception: %s\n", exc.Message)
		vm.StackTrace(ctx, os.Stderr)
		return errors.Errorf("%s: %s", exc.Kind, exc.Message)
	}
	if res != sexp.Void {
		fmt.Println(sexp.Write(res))
	}
	return nil
}

func disasmFile(path string) error {
	_, a := newRuntime()
	bc, err := compileFile(path, a)
	if err != nil {
		return err
	}
	bytecode.Disassemble(os.Stdout, bc)
	return nil
}

func runREPL() {
	ctx, a := newRuntime()
	fmt.Printf("chibi %s\n", version)
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			fmt.Println()
			return
		}
		line := in.Text()
		if line == "" {
			continue
		}
		datums, err := reader.New("<repl>", line).ReadAll()
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}
		for _, d := range datums {
			ast, err := a.Analyze(d)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			bc, err := compiler.Compile(ast, a.Env())
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			proc := sexp.MakeProcedure(0, 0, bc, &sexp.Vector{})
			res := vm.Apply(ctx, proc, sexp.Null)
			if exc, ok := res.(*sexp.Exception); ok {
				fmt.Printf("exception: %s\n", exc.Message)
				vm.StackTrace(ctx, os.Stdout)
				continue
			}
			if res != sexp.Void {
				fmt.Println(sexp.Write(res))
			}
		}
	}
}
