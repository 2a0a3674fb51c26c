// Package metrics exposes the engine's operational counters and gauges via
// github.com/prometheus/client_golang, grounded on the pack's use of that
// library for exporting runtime stats (grafana-k6's api/prometheus package)
// — adapted here from a pull-scrape collector to direct instrumentation
// points the executor and the CLI driver update inline, which is the
// ordinary way this library is used for an embedded process rather than a
// proxied external service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rv64emu/pkg/exit"
)

// Registry bundles every metric this engine reports. Construct once per
// process; a nil *Registry is safe to call methods on (every method is a
// no-op), so instrumentation call sites don't need a feature-flag branch.
type Registry struct {
	reg *prometheus.Registry

	blocksCompiled      prometheus.Counter
	codeBytesUsed       prometheus.Gauge
	interpreterFallback *prometheus.CounterVec
	guestInstructions   prometheus.Counter
}

// New creates a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		blocksCompiled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rv64emu_jit_blocks_compiled_total",
			Help: "Basic blocks compiled by the JIT code generator.",
		}),
		codeBytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rv64emu_jit_code_bytes_used",
			Help: "Bytes committed in the JIT's executable buffer.",
		}),
		interpreterFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rv64emu_interpreter_fallback_total",
			Help: "Single-instruction interpreter fallbacks, by triggering exit reason.",
		}, []string{"reason"}),
		guestInstructions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rv64emu_guest_instructions_total",
			Help: "Guest instructions retired, across both the interpreter and JIT.",
		}),
	}
	reg.MustRegister(m.blocksCompiled, m.codeBytesUsed, m.interpreterFallback, m.guestInstructions)
	return m
}

// Handler returns the HTTP handler serving this registry in the Prometheus
// exposition format.
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// BlockCompiled records one JIT compilation and the executable buffer's
// resulting committed size.
func (m *Registry) BlockCompiled(totalBytesUsed int) {
	if m == nil {
		return
	}
	m.blocksCompiled.Inc()
	m.codeBytesUsed.Set(float64(totalBytesUsed))
}

// InterpreterFallback records one single-instruction fallback triggered by
// reason (an amd64.ExitCode rendered as its exit.Reason counterpart, or a
// JIT-internal label such as "unsupported_instruction" for exit codes that
// have no exit.Reason equivalent).
func (m *Registry) InterpreterFallback(reason string) {
	if m == nil {
		return
	}
	m.interpreterFallback.WithLabelValues(reason).Inc()
}

// GuestInstructions adds n to the retired-instruction count.
func (m *Registry) GuestInstructions(n uint64) {
	if m == nil {
		return
	}
	m.guestInstructions.Add(float64(n))
}

// exitReasonLabel renders an exit.Reason as a metric label, keeping the
// label stable even if Reason's String() wording changes.
func exitReasonLabel(r exit.Reason) string {
	switch r {
	case exit.UnalignedPc:
		return "unaligned_pc"
	case exit.OutOfBoundsPc:
		return "out_of_bounds_pc"
	case exit.InstructionFetchFault:
		return "instruction_fetch_fault"
	case exit.UndefinedInstruction:
		return "undefined_instruction"
	case exit.MemoryReadFault:
		return "memory_read_fault"
	case exit.MemoryWriteFault:
		return "memory_write_fault"
	default:
		return "unsupported_instruction"
	}
}

// ExitReasonLabel exposes exitReasonLabel to callers outside the package
// (the executor, when recording why it fell back to the interpreter).
func ExitReasonLabel(r exit.Reason) string { return exitReasonLabel(r) }
