// Command rv64emu loads an RV64 ELF executable and runs it to completion,
// either through the JIT-backed executor or, with -jit=false, the
// interpreter alone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"

	"rv64emu/pkg/cpu"
	"rv64emu/pkg/exit"
	"rv64emu/pkg/interpreter"
	"rv64emu/pkg/jit/runtime"
	"rv64emu/pkg/loader"
	"rv64emu/pkg/memory"
	"rv64emu/pkg/metrics"
	"rv64emu/pkg/trace"
)

const (
	stackPageSize = 4096
	mib           = 1 << 20
)

func main() {
	useJIT := flag.Bool("jit", true, "run through the JIT-backed executor instead of the interpreter alone")
	memSize := flag.Uint64("mem-size", 32*mib, "guest address space size, in bytes")
	tracePath := flag.String("trace", "", "write a zstd-compressed log of every compiled block to this path")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100)")
	logLevel := flag.String("log-level", "info", "log verbosity: debug, info, or quiet")
	flag.Parse()

	logger := log.New(os.Stderr, "rv64emu: ", log.LstdFlags)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: rv64emu [flags] <elf-path>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	if *logLevel == "debug" {
		logger.Printf("loading %s (mem-size=%d jit=%v)", path, *memSize, *useJIT)
	}

	mem := memory.New(*memSize)
	image, err := loader.Load(path, mem)
	if err != nil {
		logger.Fatalf("loading %s: %v", path, err)
	}
	if *logLevel != "quiet" {
		logger.Printf("loaded %s: base=%#x size=%#x entry=%#x", path, image.Base, image.Size, image.EntryPoint)
	}

	if image.Base < stackPageSize {
		logger.Fatalf("image base %#x leaves no room for the argument/stack page below it", image.Base)
	}
	stackPageBase := image.Base - stackPageSize
	if err := mem.SetPermissions(stackPageBase, stackPageSize, memory.Read|memory.Write); err != nil {
		logger.Fatalf("granting argument/stack page: %v", err)
	}

	state := &cpu.State{PC: image.EntryPoint}
	state.WriteReg(2, image.Base-8) // sp (x2)

	var metricsReg *metrics.Registry
	if *metricsAddr != "" {
		metricsReg = metrics.New()
		srv := &http.Server{Addr: *metricsAddr, Handler: metricsReg.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
		if *logLevel != "quiet" {
			logger.Printf("serving metrics on %s", *metricsAddr)
		}
	}

	var tracer *trace.Writer
	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			logger.Fatalf("opening trace file: %v", err)
		}
		defer func() { _ = f.Close() }()
		tracer, err = trace.NewWriter(f)
		if err != nil {
			logger.Fatalf("starting trace writer: %v", err)
		}
		defer func() { _ = tracer.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var rec exit.Record
	if *useJIT {
		rec, err = runJIT(ctx, mem, state, image, metricsReg, tracer)
	} else {
		rec, err = runInterpreter(ctx, mem, state, metricsReg)
	}
	if err != nil {
		logger.Fatalf("run aborted: %v", err)
	}

	if *logLevel != "quiet" {
		logger.Printf("stopped: %s", rec)
	}
	switch rec.Reason {
	case exit.Ecall, exit.Ebreak:
		os.Exit(0)
	default:
		os.Exit(1)
	}
}

func runJIT(ctx context.Context, mem *memory.Memory, state *cpu.State, image loader.Image, metricsReg *metrics.Registry, tracer *trace.Writer) (exit.Record, error) {
	exec, err := runtime.New(mem, runtime.Config{
		CodeBufferSize: 16 * mib,
		MaxGuestPC:     image.Base + image.Size,
	})
	if err != nil {
		return exit.Record{}, err
	}
	defer func() { _ = exec.Close() }()
	exec.Metrics = metricsReg
	exec.Trace = tracer
	return exec.Run(ctx, state)
}

func runInterpreter(ctx context.Context, mem *memory.Memory, state *cpu.State, metricsReg *metrics.Registry) (exit.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return exit.Record{}, err
		}
		rec := interpreter.Step(mem, state)
		metricsReg.GuestInstructions(1)
		if rec.Reason != exit.None {
			return rec, nil
		}
	}
}
