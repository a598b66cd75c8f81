package engine

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"

	"cairnvm/callstack"
	"cairnvm/fuel"
	"cairnvm/numerics"
	"cairnvm/resource"
	"cairnvm/store"
)

// OutPoint identifies the transaction input a currently-executing operation
// was carried in.
type OutPoint struct {
	TxID []byte
	Vout uint32
}

// TransactionInfo is the read-only transaction data a HostContext exposes to
// its contract.
type TransactionInfo struct {
	TxID           []byte
	PreviousOutput OutPoint
	OpReturnData   []byte
}

// HostContext is the context resource a contract's exported function
// receives as its first parameter.
type HostContext struct {
	rt         *Runtime
	handle     resource.Handle
	gauge      *fuel.Gauge
	ctxKind    ContextKind
	contractID int64
	signer     Signer
	tx         TransactionInfo
	idCounter  *uint64

	// component is the real wasm instance this call is running inside, used
	// by registerHostImports to reach linear memory. nil when the call is
	// driven by a FakeComponent, which talks to HostContext directly in Go.
	component *wasmerComponent
}

func (hc *HostContext) handleValue() uint64 { return uint64(hc.handle) }

// Signer returns the claimed signer of the current call.
func (hc *HostContext) Signer() Signer { return hc.signer }

// ContractID returns the alias of the contract this context belongs to.
func (hc *HostContext) ContractID() int64 { return hc.contractID }

// Kind returns the context kind this HostContext was prepared for.
func (hc *HostContext) Kind() ContextKind { return hc.ctxKind }

func (hc *HostContext) chargeFuel(cost uint64) error {
	return hc.gauge.Consume(cost)
}

func (hc *HostContext) requireProc() error {
	if hc.ctxKind != KindProc && hc.ctxKind != KindCore {
		return newErr(ErrUnsupportedContext, "storage mutation requires a procedure or core context, got %s", hc.ctxKind)
	}
	return nil
}

func (hc *HostContext) currentHeightTx() (height, txIndex uint64) {
	height, txIndex, _, _, _, _, _ = hc.rt.currentContext()
	return
}

// --------------------------------------------------------------------
// Typed storage access
// --------------------------------------------------------------------

func (hc *HostContext) getRaw(ctx context.Context, path string) ([]byte, bool, error) {
	raw, found, err := hc.rt.store.Get(ctx, hc.contractID, path)
	if err != nil {
		return nil, false, wrapErr(ErrInternalStoreFailure, err, "get %s", path)
	}
	if !found {
		if cerr := hc.chargeFuel(hc.gauge.CostStorageGet(0)); cerr != nil {
			return nil, false, cerr
		}
		return nil, false, nil
	}
	if cerr := hc.chargeFuel(hc.gauge.CostStorageGet(len(raw))); cerr != nil {
		return nil, false, cerr
	}
	return raw, true, nil
}

func (hc *HostContext) GetStr(ctx context.Context, path string) (string, bool, error) {
	raw, found, err := hc.getRaw(ctx, path)
	if err != nil || !found {
		return "", found, err
	}
	return decodeStr(raw), true, nil
}

func (hc *HostContext) GetU64(ctx context.Context, path string) (uint64, bool, error) {
	raw, found, err := hc.getRaw(ctx, path)
	if err != nil || !found {
		return 0, found, err
	}
	v, derr := decodeU64(raw)
	if derr != nil {
		return 0, false, newErr(ErrArgumentTypeMismatch, "value at %s is not a u64: %v", path, derr)
	}
	return v, true, nil
}

func (hc *HostContext) GetS64(ctx context.Context, path string) (int64, bool, error) {
	raw, found, err := hc.getRaw(ctx, path)
	if err != nil || !found {
		return 0, found, err
	}
	v, derr := decodeS64(raw)
	if derr != nil {
		return 0, false, newErr(ErrArgumentTypeMismatch, "value at %s is not an s64: %v", path, derr)
	}
	return v, true, nil
}

func (hc *HostContext) GetBool(ctx context.Context, path string) (bool, bool, error) {
	raw, found, err := hc.getRaw(ctx, path)
	if err != nil || !found {
		return false, found, err
	}
	v, derr := decodeBool(raw)
	if derr != nil {
		return false, false, newErr(ErrArgumentTypeMismatch, "value at %s is not a bool: %v", path, derr)
	}
	return v, true, nil
}

func (hc *HostContext) setRaw(ctx context.Context, path string, raw []byte) error {
	if err := hc.requireProc(); err != nil {
		return err
	}
	if err := hc.chargeFuel(hc.gauge.CostStorageSet(len(raw), len(path))); err != nil {
		return err
	}
	height, txIndex := hc.currentHeightTx()
	if err := hc.rt.store.Set(ctx, hc.contractID, path, raw, height, txIndex); err != nil {
		return wrapErr(ErrInternalStoreFailure, err, "set %s", path)
	}
	return nil
}

func (hc *HostContext) SetStr(ctx context.Context, path, value string) error {
	return hc.setRaw(ctx, path, encodeStr(value))
}

func (hc *HostContext) SetU64(ctx context.Context, path string, value uint64) error {
	return hc.setRaw(ctx, path, encodeU64(value))
}

func (hc *HostContext) SetS64(ctx context.Context, path string, value int64) error {
	return hc.setRaw(ctx, path, encodeS64(value))
}

func (hc *HostContext) SetBool(ctx context.Context, path string, value bool) error {
	return hc.setRaw(ctx, path, encodeBool(value))
}

// Exists reports whether path or any descendant of it currently holds a
// value.
func (hc *HostContext) Exists(ctx context.Context, path string) (bool, error) {
	found, err := hc.rt.store.Exists(ctx, hc.contractID, path)
	if err != nil {
		return false, wrapErr(ErrInternalStoreFailure, err, "exists %s", path)
	}
	if cerr := hc.chargeFuel(hc.gauge.CostEnumBase()); cerr != nil {
		return false, cerr
	}
	return found, nil
}

// GetKeys opens an iterator over the immediate child segments of prefix and
// returns its handle; the guest advances it with KeysNext and releases it
// with KeysClose. The handle is not dropped when the call returns: run
// drops only the call's own context handle, so an iterator that is never
// closed stays in the resource table.
func (hc *HostContext) GetKeys(ctx context.Context, prefix string) (resource.Handle, error) {
	iter, err := hc.rt.store.Keys(ctx, hc.contractID, prefix)
	if err != nil {
		return 0, wrapErr(ErrInternalStoreFailure, err, "keys %s", prefix)
	}
	if cerr := hc.chargeFuel(hc.gauge.CostEnumBase()); cerr != nil {
		return 0, cerr
	}
	return hc.rt.resources.Push(resource.KindKeys, iter), nil
}

// KeysNext advances the iterator at handle, returning found=false once it is
// exhausted.
func (hc *HostContext) KeysNext(handle resource.Handle) (string, bool, error) {
	v, kind, ok := hc.rt.resources.Get(handle)
	if !ok || kind != resource.KindKeys {
		return "", false, newErr(ErrArgumentTypeMismatch, "handle is not a keys iterator")
	}
	iter := v.(*store.KeysIter)
	seg, ok := iter.Next()
	if !ok {
		return "", false, nil
	}
	if err := hc.chargeFuel(hc.gauge.CostKeysNext(len(seg))); err != nil {
		return "", false, err
	}
	return seg, true, nil
}

// KeysClose cancels iteration at handle: dropping a Keys handle cancels
// iteration immediately rather than waiting for it to exhaust.
func (hc *HostContext) KeysClose(handle resource.Handle) {
	hc.rt.resources.Drop(handle)
}

// ExtendPathWithMatch returns the lexicographically smallest immediate child
// segment of basePath whose full path matches the POSIX ERE pattern.
func (hc *HostContext) ExtendPathWithMatch(ctx context.Context, basePath, pattern string) (string, bool, error) {
	re, err := regexp.CompilePOSIX(pattern)
	if err != nil {
		return "", false, newErr(ErrArgumentTypeMismatch, "invalid regex %q: %v", pattern, err)
	}
	seg, found, err := hc.rt.store.ExtendPathWithMatch(ctx, hc.contractID, basePath, re)
	if err != nil {
		return "", false, wrapErr(ErrInternalStoreFailure, err, "extend_path_with_match %s", basePath)
	}
	variants := strings.Count(pattern, "|") + 1
	if cerr := hc.chargeFuel(hc.gauge.CostExtendPathMatch(variants)); cerr != nil {
		return "", false, cerr
	}
	return seg, found, nil
}

// DeleteMatchingPaths marks every current path matching pattern as deleted,
// returning how many were affected. Proc-only.
func (hc *HostContext) DeleteMatchingPaths(ctx context.Context, pattern string) (uint64, error) {
	if err := hc.requireProc(); err != nil {
		return 0, err
	}
	re, err := regexp.CompilePOSIX(pattern)
	if err != nil {
		return 0, newErr(ErrArgumentTypeMismatch, "invalid regex %q: %v", pattern, err)
	}
	height, txIndex := hc.currentHeightTx()
	n, err := hc.rt.store.DeleteMatchingPaths(ctx, hc.contractID, re, height, txIndex)
	if err != nil {
		return 0, wrapErr(ErrInternalStoreFailure, err, "delete_matching_paths %s", pattern)
	}
	if cerr := hc.chargeFuel(hc.gauge.CostDeleteMatching(len(pattern))); cerr != nil {
		return 0, cerr
	}
	return n, nil
}

// --------------------------------------------------------------------
// Crypto and id generation
// --------------------------------------------------------------------

// Hash returns the hex-encoded 256-bit Keccak hash of input, the same
// primitive go-ethereum's own address/storage-key derivation is built on.
func (hc *HostContext) Hash(input []byte) (string, error) {
	if err := hc.chargeFuel(hc.gauge.CostHash(len(input))); err != nil {
		return "", err
	}
	sum := crypto.Keccak256(input)
	return hex.EncodeToString(sum), nil
}

// HashWithSalt returns the hex-encoded 256-bit Keccak hash of input
// concatenated with salt.
func (hc *HostContext) HashWithSalt(input, salt []byte) (string, error) {
	combined := make([]byte, 0, len(input)+len(salt))
	combined = append(combined, input...)
	combined = append(combined, salt...)
	if err := hc.chargeFuel(hc.gauge.CostHash(len(combined))); err != nil {
		return "", err
	}
	sum := crypto.Keccak256(combined)
	return hex.EncodeToString(sum), nil
}

// GenerateID returns the next deterministic id for this execution: the
// 8-byte hex prefix of hash(txid || counter), where counter starts at zero
// for each Execute or nested call (every run gets its own counter) and
// increments once per call to GenerateID within it.
func (hc *HostContext) GenerateID() (string, error) {
	if err := hc.chargeFuel(hc.gauge.CostGenerateID()); err != nil {
		return "", err
	}
	counter := atomic.AddUint64(hc.idCounter, 1) - 1
	var counterBytes [8]byte
	binary.LittleEndian.PutUint64(counterBytes[:], counter)
	input := make([]byte, 0, len(hc.tx.TxID)+8)
	input = append(input, hc.tx.TxID...)
	input = append(input, counterBytes[:]...)
	sum := crypto.Keccak256(input)
	return hex.EncodeToString(sum[:8]), nil
}

// --------------------------------------------------------------------
// Transaction accessors
// --------------------------------------------------------------------

func (hc *HostContext) TxID() ([]byte, error) {
	if err := hc.chargeFuel(hc.gauge.CostConstantGet()); err != nil {
		return nil, err
	}
	return hc.tx.TxID, nil
}

func (hc *HostContext) TxOutPoint() (OutPoint, error) {
	if err := hc.chargeFuel(hc.gauge.CostConstantGet()); err != nil {
		return OutPoint{}, err
	}
	return hc.tx.PreviousOutput, nil
}

func (hc *HostContext) TxOpReturnData() ([]byte, error) {
	if err := hc.chargeFuel(hc.gauge.CostConstantGet()); err != nil {
		return nil, err
	}
	return hc.tx.OpReturnData, nil
}

// --------------------------------------------------------------------
// Foreign call
// --------------------------------------------------------------------

// Call dispatches a nested execute against another contract, inheriting
// this call's remaining fuel. A nil
// signer defaults to claiming the calling contract's own identity.
func (hc *HostContext) Call(ctx context.Context, signer Signer, addr ContractAddress, callExpr string) (string, error) {
	if signer == nil {
		signer = ContractSigner{ID: callstack.ContractID(hc.contractID)}
	}
	return hc.rt.call(ctx, signer, addr, callExpr, hc)
}

// --------------------------------------------------------------------
// Numerics bindings
// --------------------------------------------------------------------

func (hc *HostContext) IntFromString(s string) (numerics.Integer, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericString(len(s))); err != nil {
		return numerics.Integer{}, err
	}
	return numerics.IntFromString(s)
}

func (hc *HostContext) IntAdd(a, b numerics.Integer) (numerics.Integer, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Integer{}, err
	}
	return a.Add(b), nil
}

func (hc *HostContext) IntSub(a, b numerics.Integer) (numerics.Integer, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Integer{}, err
	}
	return a.Sub(b), nil
}

func (hc *HostContext) IntMul(a, b numerics.Integer) (numerics.Integer, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Integer{}, err
	}
	return a.Mul(b), nil
}

func (hc *HostContext) IntDiv(a, b numerics.Integer) (numerics.Integer, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Integer{}, err
	}
	return a.Div(b)
}

func (hc *HostContext) IntSqrt(a numerics.Integer) (numerics.Integer, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Integer{}, err
	}
	return a.Sqrt()
}

func (hc *HostContext) DecFromString(s string) (numerics.Decimal, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericString(len(s))); err != nil {
		return numerics.Decimal{}, err
	}
	return numerics.DecFromString(s)
}

func (hc *HostContext) DecAdd(a, b numerics.Decimal) (numerics.Decimal, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Decimal{}, err
	}
	return a.Add(b), nil
}

func (hc *HostContext) DecSub(a, b numerics.Decimal) (numerics.Decimal, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Decimal{}, err
	}
	return a.Sub(b), nil
}

func (hc *HostContext) DecMul(a, b numerics.Decimal) (numerics.Decimal, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Decimal{}, err
	}
	return a.Mul(b), nil
}

func (hc *HostContext) DecDiv(a, b numerics.Decimal) (numerics.Decimal, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Decimal{}, err
	}
	return a.Div(b)
}

func (hc *HostContext) DecLog10(a numerics.Decimal) (numerics.Integer, error) {
	if err := hc.chargeFuel(hc.gauge.CostNumericConstant()); err != nil {
		return numerics.Integer{}, err
	}
	return a.Log10()
}
