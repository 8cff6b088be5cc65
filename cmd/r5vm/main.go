// Command r5vm loads a .r5m image and runs it under both execution
// engines — the decode-and-dispatch interpreter and the x86-32
// template JIT — over independently loaded VM instances, then diffs
// the two final states. A mismatch, or either engine faulting, is
// reported with a full state dump.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/r5vm/r5vm-go/pkg/image"
	"github.com/r5vm/r5vm-go/pkg/jit"
	"github.com/r5vm/r5vm-go/pkg/vm"
)

var (
	memArg   string
	jitDump  string
	logLevel string
	ttyAddr  bool
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "r5vm <image.r5m>",
		Short:         "Run a RISC-V RV32I image under both the interpreter and the JIT",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringVar(&memArg, "mem", "", "override guest RAM size (accepts k/m suffix or 0x hex, default: image's own ram_size)")
	cmd.Flags().StringVar(&jitDump, "jit-dump", "", "write a hex listing of the compiled JIT buffer to this path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&ttyAddr, "tty", false, "wait for a TCP console to attach and forward guest output to it instead of stdout")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	memSize, err := parseMemArg(memArg)
	if err != nil {
		return fmt.Errorf("--mem: %w", err)
	}

	var out io.Writer = os.Stdout
	if ttyAddr {
		console, err := vm.AcceptConsole()
		if err != nil {
			return fmt.Errorf("--tty: %w", err)
		}
		defer console.Close()
		out = console
	}

	interp, err := loadVM(path, memSize, out, logger)
	if err != nil {
		return err
	}
	interp.Run(0)

	compiled, err := loadVM(path, memSize, out, logger)
	if err != nil {
		return err
	}

	driver := &jit.Driver{DumpPath: jitDump}
	program, err := driver.Compile(compiled)
	if err != nil {
		logger.Error("jit compile failed", zap.Error(err))
		return err
	}
	defer program.Close()
	if err := program.Run(compiled); err != nil {
		logger.Error("jit run failed", zap.Error(err))
		return err
	}

	regsEqual, memEqual, mismatchAt := vm.Diff(interp, compiled)
	if regsEqual && memEqual {
		// compiled.PC is not meaningful here: the JIT's control flow
		// lives entirely in host jumps through the dispatch table, so
		// nothing ever writes the architectural pc back except the
		// interpreter. Only the interpreter's final pc is reported.
		logger.Info("interpreter and jit agree", zap.Uint32("pc", interp.PC))
		return nil
	}

	logger.Error("interpreter/jit mismatch",
		zap.Bool("regs_equal", regsEqual),
		zap.Bool("mem_equal", memEqual),
		zap.Int("first_mismatch", mismatchAt),
	)
	w := bufio.NewWriter(os.Stderr)
	fmt.Fprintln(w, "----- interpreter -----")
	interp.DumpState(w)
	fmt.Fprintln(w, "----- jit -----")
	compiled.DumpState(w)
	w.Flush()
	return fmt.Errorf("interpreter/jit state mismatch")
}

// loadVM opens path fresh and produces a VM ready to run. Debug is
// forced on: faulting on an illegal instruction is the stated safer
// default, and the CLI is a diagnostic tool first.
func loadVM(path string, memSize uint32, out io.Writer, logger *zap.Logger) (*vm.VM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	v, err := image.Load(f, memSize)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	v.Debug = true
	v.Out = out
	v.OnFault = func(v *vm.VM, msg string, pc, instr uint32) {
		logger.Error("runtime fault",
			zap.String("msg", msg),
			zap.Uint32("pc", pc),
			zap.Uint32("instr", instr),
		)
		v.DumpState(os.Stderr)
	}
	return v, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

// parseMemArg parses a memory-size argument with an optional k/m
// suffix or 0x hex prefix, mirroring the reference source's
// parse_mem_arg. An empty string means "use the image's own
// ram_size" (returns 0).
func parseMemArg(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	suffix := byte(0)
	digits := s
	if last := s[len(s)-1]; last == 'k' || last == 'K' || last == 'm' || last == 'M' {
		suffix = lower(last)
		digits = s[:len(s)-1]
	}

	base := 10
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		base = 16
		digits = digits[2:]
	}

	val, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	switch suffix {
	case 'k':
		val *= 1024
	case 'm':
		val *= 1024 * 1024
	}
	return uint32(val), nil
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
