package main

import (
	"debug/elf"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pboyd/interpose"
	"github.com/pboyd/interpose/elfcheck"
)

var (
	colorOK   = color.New(color.Bold, color.FgHiGreen).SprintFunc()
	colorFail = color.New(color.Bold, color.FgHiRed).SprintFunc()
	colorAddr = color.New(color.FgHiCyan).SprintfFunc()
	colorName = color.New(color.FgHiMagenta).SprintFunc()
	colorPath = color.New(color.Faint).SprintFunc()
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: interpose <command> [flags] [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  elfcheck [-machine aarch64] [-strict] <file>...   check shared libraries can be loaded")
	fmt.Fprintln(os.Stderr, "  resolve <module> <symbol>...                      look up loaded symbols")
	fmt.Fprintln(os.Stderr, "  maps [-x] [-path substr]                          list this process's mappings")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "elfcheck":
		err = runELFCheck(args)
	case "resolve":
		err = runResolve(args)
	case "maps":
		err = runMaps(args)
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var machines = map[string]elf.Machine{
	"aarch64": elf.EM_AARCH64,
	"arm64":   elf.EM_AARCH64,
	"x86_64":  elf.EM_X86_64,
	"amd64":   elf.EM_X86_64,
	"riscv64": elf.EM_RISCV,
}

func runELFCheck(args []string) error {
	fs := flag.NewFlagSet("elfcheck", flag.ExitOnError)
	machine := fs.String("machine", "aarch64", "required e_machine (aarch64, x86_64, riscv64)")
	strict := fs.Bool("strict", false, "also require zero ABI version and ident padding")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("elfcheck: no files")
	}

	m, ok := machines[strings.ToLower(*machine)]
	if !ok {
		return fmt.Errorf("elfcheck: unknown machine %q", *machine)
	}
	target := elfcheck.DefaultTarget
	target.Machine = m
	target.StrictIdent = *strict

	failed := 0
	for _, path := range fs.Args() {
		if err := target.Check(path); err != nil {
			failed++
			fmt.Printf("%s %s: %v\n", colorFail("FAIL"), path, err)
			continue
		}
		fmt.Printf("%s   %s\n", colorOK("OK"), path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, fs.NArg())
	}
	return nil
}

func runResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	verbose := fs.Bool("v", false, "log lookups")
	fs.Parse(args)

	if fs.NArg() < 2 {
		return fmt.Errorf("resolve: need a module and at least one symbol")
	}

	cfg, err := interpose.LoadConfig()
	if err != nil {
		return err
	}
	if *verbose {
		cfg.LogLevel = zapcore.DebugLevel
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	opts, err := cfg.Options(log)
	if err != nil {
		return err
	}
	c := interpose.New(opts...)

	module := fs.Arg(0)
	failed := 0
	for _, name := range fs.Args()[1:] {
		sym, err := c.Resolve(module, name)
		if err != nil {
			failed++
			fmt.Printf("%s %s: %v\n", colorFail("FAIL"), colorName(name), err)
			continue
		}

		size := "?"
		if sym.Size > 0 {
			size = fmt.Sprint(sym.Size)
		}
		fmt.Printf("%s %s size=%s %s\n",
			colorAddr("%#016x", sym.Addr), colorName(name), size, colorPath(sym.Image.Path))
	}

	if failed > 0 {
		return fmt.Errorf("%d symbols not resolved", failed)
	}
	return nil
}

func runMaps(args []string) error {
	fs := flag.NewFlagSet("maps", flag.ExitOnError)
	execOnly := fs.Bool("x", false, "only executable mappings")
	path := fs.String("path", "", "only mappings whose path contains this")
	fs.Parse(args)

	maps, err := interpose.Mappings()
	if err != nil {
		return err
	}

	for _, m := range maps {
		if *execOnly && !m.Executable() {
			continue
		}
		if *path != "" && !strings.Contains(m.Path, *path) {
			continue
		}
		fmt.Printf("%s-%s %s %8x %s\n",
			colorAddr("%012x", m.Start), colorAddr("%012x", m.End), m.Perms, m.Offset, colorPath(m.Path))
	}
	return nil
}

func newLogger(lvl zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if color.NoColor {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return cfg.Build()
}
