package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wasmerio/wasmer-go/wasmer"

	"cairnvm/expr"
)

// ContextKind is the kind of context resource an exported function's first
// parameter introspects to.
type ContextKind int

const (
	KindProc ContextKind = iota
	KindView
	KindFall
	KindCore
)

func (k ContextKind) String() string {
	switch k {
	case KindProc:
		return "ProcContext"
	case KindView:
		return "ViewContext"
	case KindFall:
		return "FallContext"
	case KindCore:
		return "CoreContext"
	default:
		return "Unknown"
	}
}

// ExportInfo describes one exported function as the core needs to dispatch
// it: which context kind its first parameter introspects to, and whether it
// is a procedure (mutating) for the purposes of the Settling transition.
type ExportInfo struct {
	Name        string
	ContextKind ContextKind
}

// IsProcedure reports whether calls to this export should run the
// Settling phase (gas conversion, token burn/release, result row).
func (e ExportInfo) IsProcedure() bool {
	return e.ContextKind == KindProc || e.ContextKind == KindCore
}

// Manifest is a component's introspectable ABI: its exported functions plus
// an optional fallback, keyed by export name.
type Manifest struct {
	Exports  map[string]ExportInfo
	Fallback *ExportInfo
}

// Component is a loaded, instantiated contract image ready to be invoked.
// The cache package stores values of this type as `any`; the engine is the
// only package that knows the concrete shape.
type Component interface {
	Manifest() Manifest
	// Invoke calls export with the given host context and parsed
	// arguments, returning the guest's single return value rendered as an
	// expr.Value. A Go-level panic inside the guest must be recovered by
	// the caller (Runtime.run), not here.
	Invoke(ctx context.Context, export string, hc *HostContext, args []expr.Value) (expr.Value, error)
}

// --------------------------------------------------------------------
// FakeComponent: a Go-native stand-in used by tests and by contracts that
// ship with the runtime itself (the native token bridge is NOT implemented
// this way - see package token - but test fixtures commonly are).
// --------------------------------------------------------------------

// GuestFunc is the Go-native equivalent of a compiled export: it receives
// the host context the core prepared and the parsed call arguments.
type GuestFunc func(hc *HostContext, args []expr.Value) (expr.Value, error)

// FakeExport pairs a GuestFunc with the context kind the core should
// prepare for it, mirroring what a real component's manifest would report.
type FakeExport struct {
	ContextKind ContextKind
	Fn          GuestFunc
}

// FakeComponent implements Component directly in Go, without any wasm
// machinery, for unit and scenario tests that need to assert on
// the execution core's behavior without a real compiled component.
type FakeComponent struct {
	exports  map[string]FakeExport
	fallback *FakeExport
}

// NewFakeComponent builds a FakeComponent from a name->export map and an
// optional fallback export.
func NewFakeComponent(exports map[string]FakeExport, fallback *FakeExport) *FakeComponent {
	return &FakeComponent{exports: exports, fallback: fallback}
}

func (f *FakeComponent) Manifest() Manifest {
	m := Manifest{Exports: make(map[string]ExportInfo, len(f.exports))}
	for name, e := range f.exports {
		m.Exports[name] = ExportInfo{Name: name, ContextKind: e.ContextKind}
	}
	if f.fallback != nil {
		info := ExportInfo{Name: "fallback", ContextKind: f.fallback.ContextKind}
		m.Fallback = &info
	}
	return m
}

func (f *FakeComponent) Invoke(ctx context.Context, export string, hc *HostContext, args []expr.Value) (expr.Value, error) {
	if export == "fallback" && f.fallback != nil {
		return f.fallback.Fn(hc, args)
	}
	e, ok := f.exports[export]
	if !ok {
		return nil, fmt.Errorf("engine: fake component has no export %q", export)
	}
	return e.Fn(hc, args)
}

// --------------------------------------------------------------------
// wasmerComponent: the real sandboxed implementation.
// --------------------------------------------------------------------

// abiManifest is the JSON shape a real component exports via its
// "__synops_abi" function, since wasmer-go v1 is Core-WebAssembly-only
// and has no component-model introspection of its own. This manifest
// function plus the uniform calling convention below are this
// implementation's bridge from sandboxed component bytecode onto what
// wasmer-go v1 can actually run.
type abiManifest struct {
	Exports []struct {
		Name        string `json:"name"`
		ContextKind string `json:"context_kind"`
	} `json:"exports"`
	Fallback *string `json:"fallback"`
}

// wasmerComponent wraps a compiled, instantiated wasm module. Every export
// is called through the uniform convention
// `(ctx_handle u64, args_ptr u32, args_len u32) -> u64`, where ctx_handle
// is the resource handle of the call's HostContext (the same handle every
// host import takes first) and the guest writes its textual result into its own linear memory and packs
// (ptr<<32 | len) into the u64 return value — the same
// pointer/length-over-linear-memory idiom the host->guest direction uses,
// applied symmetrically here for guest->host results.
type wasmerComponent struct {
	instance *wasmer.Instance
	memory   *wasmer.Memory
	alloc    wasmer.NativeFunction
	manifest Manifest
}

func compileWasmerComponent(ctx context.Context, bytes []byte, rt *Runtime) (*wasmerComponent, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, bytes)
	if err != nil {
		return nil, fmt.Errorf("engine: compile component: %w", err)
	}

	importObject := wasmer.NewImportObject()
	registerHostImports(store, importObject, rt)

	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return nil, fmt.Errorf("engine: instantiate component: %w", err)
	}

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("engine: component has no exported memory: %w", err)
	}
	alloc, err := instance.Exports.GetFunction("__synops_alloc")
	if err != nil {
		return nil, fmt.Errorf("engine: component has no __synops_alloc export: %w", err)
	}

	wc := &wasmerComponent{instance: instance, memory: memory, alloc: alloc}
	manifest, err := wc.readManifest()
	if err != nil {
		return nil, err
	}
	wc.manifest = manifest
	return wc, nil
}

func (w *wasmerComponent) readManifest() (Manifest, error) {
	abiFn, err := w.instance.Exports.GetFunction("__synops_abi")
	if err != nil {
		return Manifest{}, fmt.Errorf("engine: component has no __synops_abi export: %w", err)
	}
	packed, err := abiFn()
	if err != nil {
		return Manifest{}, fmt.Errorf("engine: __synops_abi call failed: %w", err)
	}
	ptr, length := unpack(toUint64(packed))
	raw := w.readMemory(ptr, length)

	var parsed abiManifest
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Manifest{}, fmt.Errorf("engine: invalid __synops_abi payload: %w", err)
	}

	m := Manifest{Exports: make(map[string]ExportInfo, len(parsed.Exports))}
	for _, e := range parsed.Exports {
		m.Exports[e.Name] = ExportInfo{Name: e.Name, ContextKind: parseContextKind(e.ContextKind)}
	}
	if parsed.Fallback != nil {
		info := ExportInfo{Name: *parsed.Fallback, ContextKind: KindFall}
		m.Fallback = &info
	}
	return m, nil
}

func parseContextKind(s string) ContextKind {
	switch s {
	case "proc":
		return KindProc
	case "view":
		return KindView
	case "fall":
		return KindFall
	case "core":
		return KindCore
	default:
		return KindView
	}
}

func (w *wasmerComponent) Manifest() Manifest { return w.manifest }

func (w *wasmerComponent) Invoke(ctx context.Context, export string, hc *HostContext, args []expr.Value) (expr.Value, error) {
	fn, err := w.instance.Exports.GetFunction(export)
	if err != nil {
		return nil, fmt.Errorf("engine: no such export %q: %w", export, err)
	}
	payload := []byte(expr.List(args).Render())
	ptr, err := w.writeMemory(payload)
	if err != nil {
		return nil, err
	}

	result, err := fn(hc.handleValue(), ptr, uint32(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("engine: guest trap in %q: %w", export, err)
	}
	rptr, rlen := unpack(toUint64(result))
	raw := w.readMemory(rptr, rlen)
	return expr.ParseValue(string(raw))
}

func (w *wasmerComponent) readMemory(ptr, length uint32) []byte {
	data := w.memory.Data()
	out := make([]byte, length)
	copy(out, data[ptr:ptr+length])
	return out
}

func (w *wasmerComponent) writeMemory(b []byte) (uint32, error) {
	ptrVal, err := w.alloc(uint32(len(b)))
	if err != nil {
		return 0, fmt.Errorf("engine: guest allocation failed: %w", err)
	}
	ptr := toUint64(ptrVal)
	copy(w.memory.Data()[uint32(ptr):], b)
	return uint32(ptr), nil
}

// toUint64 normalizes the handful of numeric types wasmer-go's reflection
// based NativeFunction may hand back (int32/int64/uint32/uint64 depending
// on the declared wasm signature) into a single uint64.
func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case uint32:
		return uint64(n)
	case int32:
		return uint64(uint32(n))
	default:
		return 0
	}
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// fakeMarkerPrefix tags component bytes that should resolve to a
// RegisterFakeComponent entry instead of being compiled as wasm.
const fakeMarkerPrefix = "fake:"

// FakeMarker renders the sentinel bytes publish/compile should treat as a
// reference to the fake component registered under name.
func FakeMarker(name string) []byte { return []byte(fakeMarkerPrefix + name) }

func fakeMarkerName(bytes []byte) (string, bool) {
	s := string(bytes)
	if !strings.HasPrefix(s, fakeMarkerPrefix) {
		return "", false
	}
	return s[len(fakeMarkerPrefix):], true
}

// Compiler adapts compileWasmerComponent (and the fake-component escape
// hatch above) to the cache.Compiler interface.
type Compiler struct {
	rt *Runtime
}

func NewCompiler(rt *Runtime) *Compiler { return &Compiler{rt: rt} }

func (c *Compiler) Compile(ctx context.Context, bytes []byte) (any, error) {
	if name, ok := fakeMarkerName(bytes); ok {
		fc, found := c.rt.lookupFakeComponent(name)
		if !found {
			return nil, fmt.Errorf("engine: no fake component registered for %q", name)
		}
		return fc, nil
	}
	return compileWasmerComponent(ctx, bytes, c.rt)
}
