// Command bpfctl is the admin CLI for the eBPF execution daemon: a
// single bpf-execute command that builds a VM_EXEC_REQUEST from its
// arguments and dispatches it over the daemon's Unix socket, plus an
// interactive raw-terminal shell mode exposing the same command.
//
// Grounded on cmd/cc/main.go's flag package usage and its fixCrlf
// output wrapper, and on cmd/agents/main.go's term.MakeRaw/
// term.Restore pairing for the interactive mode.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/ebpfvm/internal/daemonconfig"
	"github.com/tinyrange/ebpfvm/internal/rpc"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/wire"
)

// exitCodeError carries a specific process exit code, the way
// initx.ExitError does for initx payload exit codes.
type exitCodeError struct {
	Code int
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("bpfctl: exit %d", e.Code) }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "bpfctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  %[1]s bpf-execute <rBPF|FemtoContainer> <slot> <layout> [flags]
  %[1]s shell

bpf-execute flags:
  -socket string          admin socket path (default %q)
  -use_jit                request the JIT back-end
  -jit_compile            request JIT recompilation
  -benchmark              set Benchmark on the request (not carried over the admin socket)
  -execution_model string ShortLived|WithAccessToCoapPacket|LongRunning
  -helpers string         comma-separated allowed helper IDs
`, os.Args[0], daemonconfig.Default().SocketPath)
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return &exitCodeError{Code: 2}
	}

	switch args[0] {
	case "bpf-execute":
		return runBPFExecute(args[1:], os.Stdout)
	case "shell":
		return runShell()
	default:
		usage()
		return &exitCodeError{Code: 2}
	}
}

func parseVariant(s string) (vmconfig.Target, bool) {
	switch s {
	case "rBPF":
		return vmconfig.TargetInterpreter, true
	case "FemtoContainer":
		return vmconfig.TargetNativeFallback, true
	default:
		return 0, false
	}
}

func parseExecutionModel(s string) (vmconfig.ExecutionModel, bool) {
	switch s {
	case "ShortLived":
		return vmconfig.ShortLived, true
	case "WithAccessToCoapPacket":
		return vmconfig.WithAccessToCoapPacket, true
	case "LongRunning":
		return vmconfig.LongRunning, true
	default:
		return 0, false
	}
}

func parseHelpers(s string) ([]uint8, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint8, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v >= vmconfig.MaxHelperID {
			return nil, fmt.Errorf("invalid helper id %q", p)
		}
		out = append(out, uint8(v))
	}
	return out, nil
}

// runBPFExecute implements the bpf-execute command. The three
// positional arguments come first; flags follow. out receives the
// command's normal output (distinct from usage/diagnostics, which
// always go to stderr).
func runBPFExecute(args []string, out io.Writer) error {
	if len(args) < 3 {
		usage()
		return &exitCodeError{Code: 2}
	}

	variant, ok := parseVariant(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "bpfctl: unknown variant %q (want rBPF or FemtoContainer)\n", args[0])
		usage()
		return &exitCodeError{Code: 2}
	}

	slot, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bpfctl: invalid slot %q\n", args[1])
		usage()
		return &exitCodeError{Code: 2}
	}

	// An unrecognized layout falls back to the device's default layout
	// rather than rejecting the command outright (S6): ingress paths
	// that can't name a layout still need a request to go out.
	layout, ok := vmconfig.ParseBinaryLayout(args[2])
	if !ok {
		fmt.Fprintf(os.Stderr, "bpfctl: unknown layout %q, falling back to %s\n", args[2], vmconfig.LayoutOnlyTextSection)
		layout = vmconfig.LayoutOnlyTextSection
	}

	fs := flag.NewFlagSet("bpf-execute", flag.ContinueOnError)
	socketPath := fs.String("socket", daemonconfig.Default().SocketPath, "admin socket path")
	useJIT := fs.Bool("use_jit", false, "request the JIT back-end")
	jitCompile := fs.Bool("jit_compile", false, "request JIT recompilation")
	benchmark := fs.Bool("benchmark", false, "set Benchmark on the request (not carried over the admin socket)")
	executionModel := fs.String("execution_model", "ShortLived", "ShortLived|WithAccessToCoapPacket|LongRunning")
	helpers := fs.String("helpers", "", "comma-separated allowed helper IDs")
	repeat := fs.Int("repeat", 1, "repeat the request this many times, showing a progress bar (implies -benchmark)")
	if err := fs.Parse(args[3:]); err != nil {
		return &exitCodeError{Code: 2}
	}

	model, ok := parseExecutionModel(*executionModel)
	if !ok {
		fmt.Fprintf(os.Stderr, "bpfctl: unknown execution_model %q\n", *executionModel)
		usage()
		return &exitCodeError{Code: 2}
	}

	allowedHelpers, err := parseHelpers(*helpers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bpfctl: %v\n", err)
		return &exitCodeError{Code: 2}
	}

	if *repeat > 1 {
		*benchmark = true
	}

	req := vmconfig.Request{
		Config: vmconfig.Config{
			Target:         variant,
			Layout:         layout,
			SUITSlot:       slot,
			ExecutionModel: model,
			UseJIT:         *useJIT,
			JITRecompile:   *jitCompile,
			Benchmark:      *benchmark,
		},
		AllowedHelpers: allowedHelpers,
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "bpfctl: %v\n", err)
		return &exitCodeError{Code: 2}
	}

	if *repeat > 1 {
		return dispatchRepeated(*socketPath, req, *repeat, out)
	}
	return dispatch(*socketPath, req, out)
}

// dispatchRepeated sends req repeatedly over one connection, showing a
// progress bar the way internal/cmd/benchmark/main.go's run loop does,
// and reports the mean of the responses' execution_time values. A
// response without execution_time counts as zero; ebpfd never includes
// one, since the wire request does not carry the Benchmark flag.
func dispatchRepeated(socketPath string, req vmconfig.Request, n int, out io.Writer) error {
	cl, err := rpc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer cl.Close()

	pb := progressbar.Default(int64(n))
	defer pb.Close()

	var totalMicros uint64
	var lastResult int64
	for i := 0; i < n; i++ {
		resp, err := cl.Execute(wire.EncodeRequest(req))
		if err != nil {
			return fmt.Errorf("execute (run %d/%d): %w", i+1, n, err)
		}
		decoded, err := wire.DecodeResponse(resp)
		if err != nil {
			return fmt.Errorf("decode response (run %d/%d): %w", i+1, n, err)
		}
		if decoded.Error != "" {
			return fmt.Errorf("execute (run %d/%d): %s", i+1, n, decoded.Error)
		}
		totalMicros += uint64(decoded.ExecutionTime)
		lastResult = decoded.Result
		pb.Add(1)
	}

	fmt.Fprintln(out, "VM execution request sent successfully")
	fmt.Fprintf(out, "runs=%d mean_execution_time=%dus last_result=%d\n", n, totalMicros/uint64(n), lastResult)
	return nil
}

func dispatch(socketPath string, req vmconfig.Request, out io.Writer) error {
	cl, err := rpc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer cl.Close()

	resp, err := cl.Execute(wire.EncodeRequest(req))
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	decoded, err := wire.DecodeResponse(resp)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if decoded.Error != "" {
		return fmt.Errorf("execute: %s", decoded.Error)
	}

	fmt.Fprintln(out, "VM execution request sent successfully")
	if decoded.HasExecutionTime {
		fmt.Fprintf(out, "execution_time=%dus result=%d\n", decoded.ExecutionTime, decoded.Result)
	} else {
		fmt.Fprintf(out, "result=%d\n", decoded.Result)
	}
	return nil
}

// termIO adapts stdin/stdout into the io.ReadWriter term.NewTerminal
// wants, so the admin shell can share one raw-mode terminal session.
type termIO struct{}

func (termIO) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (termIO) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// crlfWriter rewrites bare "\n" to "\r\n" before a raw-mode terminal,
// the same translation cmd/cc/main.go's fixCrlf applies to console
// output while the terminal is in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	_, err := c.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
	return len(p), err
}

func runShell() error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return runShellPlain()
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enable raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	t := term.NewTerminal(termIO{}, "bpfctl> ")
	out := crlfWriter{w: t}
	for {
		line, err := t.ReadLine()
		if err != nil {
			fmt.Fprint(os.Stdout, "\r\n")
			return nil
		}

		err = execShellLine(line, out)
		if err == nil {
			continue
		}
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return nil
		}
		fmt.Fprintf(out, "bpfctl: %v\n", err)
	}
}

// runShellPlain is the non-interactive fallback when stdin isn't a
// terminal (piped input, tests), reading newline-delimited commands
// without raw mode.
func runShellPlain() error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		err := execShellLine(scanner.Text(), os.Stdout)
		if err == nil {
			continue
		}
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return nil
		}
		fmt.Fprintf(os.Stdout, "bpfctl: %v\n", err)
	}
	return scanner.Err()
}

func execShellLine(line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "exit", "quit":
		return &exitCodeError{Code: 0}
	case "bpf-execute":
		return runBPFExecute(fields[1:], out)
	default:
		fmt.Fprintf(out, "unknown command %q\n", fields[0])
		return nil
	}
}
