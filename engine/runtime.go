package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"cairnvm/cache"
	"cairnvm/callstack"
	"cairnvm/expr"
	"cairnvm/fuel"
	"cairnvm/numerics"
	"cairnvm/resource"
	"cairnvm/store"
	"cairnvm/token"
)

var log = logrus.WithField("component", "engine")

// ContractAddress identifies a contract by the (name, height, tx_index)
// triple it was published under.
type ContractAddress struct {
	Name    string
	Height  uint64
	TxIndex uint64
}

// Render formats the address the same way a publish() result is rendered
// back to the caller.
func (a ContractAddress) Render() string {
	return fmt.Sprintf("%s@%d:%d", a.Name, a.Height, a.TxIndex)
}

// Config holds the node-wide tuning constants. Every node in a network must
// run with identical values.
type Config struct {
	FuelPerGas      uint64
	GasToTokenRatio numerics.Decimal
	FuelForNonProcs uint64
	DefaultGasLimit uint64
	Costs           fuel.Costs
}

// contextState is the (height, tx_index, input_index, op_index, txid,
// previous_output, op_return_data) tuple the reactor sets before dispatching
// each operation.
type contextState struct {
	height       uint64
	txIndex      uint64
	inputIndex   uint64
	opIndex      uint64
	txid         []byte
	previousOut  OutPoint
	opReturnData []byte
	resultSeq    uint64
}

// Runtime owns every per-node component the execution core needs: the
// persistent store, the component cache, the native token ledger, the
// caller stack, and the resource table.
type Runtime struct {
	cfg       Config
	store     *store.Store
	cache     *cache.Cache
	tokens    *token.Ledger
	callstack *callstack.Stack
	resources *resource.Table

	mu  sync.Mutex
	ctx contextState

	fakeMu         sync.Mutex
	fakeComponents map[string]*FakeComponent
}

// NewRuntime constructs a Runtime backed by st and tokens. The component
// cache is wired to compile through this Runtime so host imports can find
// their way back to live HostContexts.
func NewRuntime(cfg Config, st *store.Store, tokens *token.Ledger) *Runtime {
	rt := &Runtime{
		cfg:            cfg,
		store:          st,
		tokens:         tokens,
		callstack:      callstack.New(),
		resources:      resource.New(),
		fakeComponents: make(map[string]*FakeComponent),
	}
	rt.cache = cache.New(st, NewCompiler(rt))
	return rt
}

// RegisterFakeComponent associates name with a Go-native FakeComponent: any
// contract published with the marker bytes FakeMarker(name) resolves to fc
// rather than being compiled as wasm. Used by scenario tests that
// exercise the reactor and execution core without a real compiled guest.
func (rt *Runtime) RegisterFakeComponent(name string, fc *FakeComponent) {
	rt.fakeMu.Lock()
	defer rt.fakeMu.Unlock()
	rt.fakeComponents[name] = fc
}

func (rt *Runtime) lookupFakeComponent(name string) (*FakeComponent, bool) {
	rt.fakeMu.Lock()
	defer rt.fakeMu.Unlock()
	fc, ok := rt.fakeComponents[name]
	return fc, ok
}

// SetContext records the position of the operation about to be dispatched.
// The reactor calls this once per parsed operation, before
// Execute/Publish.
func (rt *Runtime) SetContext(height, txIndex, inputIndex, opIndex uint64, txid []byte, previousOut OutPoint, opReturnData []byte) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.ctx = contextState{
		height:       height,
		txIndex:      txIndex,
		inputIndex:   inputIndex,
		opIndex:      opIndex,
		txid:         txid,
		previousOut:  previousOut,
		opReturnData: opReturnData,
	}
}

func (rt *Runtime) currentContext() (height, txIndex, inputIndex, opIndex uint64, txid []byte, previousOut OutPoint, opReturnData []byte) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c := rt.ctx
	return c.height, c.txIndex, c.inputIndex, c.opIndex, c.txid, c.previousOut, c.opReturnData
}

// nextResultIndex returns the next result_index to stamp on a settled call's
// result row, counting every settled call (including nested ones reached via
// the host call) within the current operation position. SetContext resets
// the counter for each new operation.
func (rt *Runtime) nextResultIndex() uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	seq := rt.ctx.resultSeq
	rt.ctx.resultSeq++
	return seq
}

// IssueTokens mints amount to account directly, bypassing the escrow path.
// Used at genesis and by the reactor for protocol-level issuance; never
// guest-reachable.
func (rt *Runtime) IssueTokens(account token.Account, amount numerics.Decimal) {
	rt.tokens.Issuance(account, amount)
}

// CheckpointTokens snapshots the token ledger's balances as of height, so a
// later reorg can restore them with RollbackTokensToHeight. Called by the
// reactor once a block has fully committed to the store.
func (rt *Runtime) CheckpointTokens(height uint64) {
	rt.tokens.Checkpoint(height)
}

// RollbackTokensToHeight restores the token ledger to its state as of
// height h, undoing any Issuance/Hold/Burn/Release effects from blocks
// above h. Called by the reactor alongside the store's own
// RollbackToHeight on a disconnect/reorg.
func (rt *Runtime) RollbackTokensToHeight(h uint64) {
	rt.tokens.RollbackToHeight(h)
}

// lookupHostContext resolves a resource handle to the live *HostContext
// behind it, the mechanism registerHostImports uses to find "which call"
// a host import is being invoked for.
func (rt *Runtime) lookupHostContext(h resource.Handle) (*HostContext, bool) {
	v, kind, ok := rt.resources.Get(h)
	if !ok {
		return nil, false
	}
	switch kind {
	case resource.KindProcContext, resource.KindViewContext, resource.KindFallContext, resource.KindCoreContext:
	default:
		return nil, false
	}
	hc, ok := v.(*HostContext)
	return hc, ok
}

func contextKindToResourceKind(k ContextKind) resource.Kind {
	switch k {
	case KindProc:
		return resource.KindProcContext
	case KindView:
		return resource.KindViewContext
	case KindFall:
		return resource.KindFallContext
	default:
		return resource.KindCoreContext
	}
}

func resolveExport(m Manifest, name string) (info ExportInfo, exportName string, isFallback bool, err error) {
	if info, ok := m.Exports[name]; ok {
		return info, name, false, nil
	}
	if m.Fallback != nil {
		return *m.Fallback, m.Fallback.Name, true, nil
	}
	return ExportInfo{}, "", false, newErr(ErrFunctionNotFound, "no export %q and no fallback", name)
}

func accountForSigner(s Signer) (token.Account, error) {
	switch v := s.(type) {
	case Nobody:
		return token.Account(0), nil
	case ContractSigner:
		return token.Account(v.ID), nil
	default:
		return 0, newErr(ErrInsufficientGas, "signer %s cannot be billed for gas", RenderSigner(s))
	}
}

// Execute is the top-level entry point for running a contract call: it
// resolves addr, loads and runs the chosen export under signer, and
// returns the guest's rendered result.
func (rt *Runtime) Execute(ctx context.Context, signer Signer, addr ContractAddress, callExpr string) (string, error) {
	return rt.run(ctx, signer, addr, callExpr, nil)
}

// call implements the host API's foreign call: a nested execute that
// inherits the caller's remaining fuel.
func (rt *Runtime) call(ctx context.Context, signer Signer, addr ContractAddress, callExpr string, caller *HostContext) (string, error) {
	return rt.run(ctx, signer, addr, callExpr, caller.gauge)
}

// run implements the Idle -> Preparing -> Running -> Settling -> Done|Failed
// state machine. parentGauge is nil for a top-level Execute and the
// caller's gauge for a nested call.
func (rt *Runtime) run(ctx context.Context, signer Signer, addr ContractAddress, callExpr string, parentGauge *fuel.Gauge) (string, error) {
	height, txIndex, inputIndex, opIndex, txid, previousOut, opReturnData := rt.currentContext()

	contractID, found, err := rt.store.ContractID(ctx, addr.Name, addr.Height, addr.TxIndex)
	if err != nil {
		return "", wrapErr(ErrInternalStoreFailure, err, "resolve contract id for %s", addr.Render())
	}
	if !found {
		return "", newErr(ErrContractNotFound, "no contract published at %s", addr.Render())
	}

	compAny, err := rt.cache.Get(ctx, contractID)
	if err != nil {
		return "", wrapErr(ErrInternalStoreFailure, err, "load component %d", contractID)
	}
	comp, ok := compAny.(Component)
	if !ok {
		return "", newErr(ErrInternalStoreFailure, "cached component %d has unexpected type %T", contractID, compAny)
	}

	call, perr := expr.ParseCall(callExpr)
	if perr != nil {
		return "", wrapErr(ErrParseExpression, perr, "parse %q", callExpr)
	}

	info, exportName, isFallback, rerr := resolveExport(comp.Manifest(), call.Name)
	if rerr != nil {
		return "", rerr
	}

	args := call.Args
	if isFallback {
		args = []expr.Value{expr.Str(callExpr)}
	}

	isTopLevel := parentGauge == nil
	fuelLimit, holdID, ferr := rt.chooseFuelLimit(isTopLevel, info, signer, parentGauge)
	if ferr != nil {
		return "", ferr
	}

	if cs, isContractSigner := signer.(ContractSigner); isContractSigner {
		if !rt.callstack.ValidateSigner(cs.ID) {
			if holdID != nil {
				rt.tokens.Release(*holdID)
			}
			return "", newErr(ErrInvalidContractIDSigner, "claimed signer %s is not the current caller", RenderSigner(signer))
		}
	}

	gauge := fuel.NewGauge(rt.cfg.Costs, fuelLimit)
	hc := &HostContext{
		rt:         rt,
		gauge:      gauge,
		ctxKind:    info.ContextKind,
		contractID: contractID,
		signer:     signer,
		tx: TransactionInfo{
			TxID:           txid,
			PreviousOutput: previousOut,
			OpReturnData:   opReturnData,
		},
		idCounter: new(uint64),
	}
	if wc, isWasmer := comp.(*wasmerComponent); isWasmer {
		hc.component = wc
	}

	handle := rt.resources.Push(contextKindToResourceKind(info.ContextKind), hc)
	hc.handle = handle
	defer rt.resources.Drop(handle)

	rt.callstack.Push(callstack.ContractID(contractID))
	sp, serr := rt.store.Savepoint(ctx)
	if serr != nil {
		rt.callstack.Pop()
		if holdID != nil {
			rt.tokens.Release(*holdID)
		}
		return "", wrapErr(ErrInternalStoreFailure, serr, "open savepoint")
	}

	resultVal, runErr := rt.invokeGuest(ctx, comp, exportName, hc, args)

	var textResult string
	if runErr == nil {
		if isFallback {
			if s, isStr := resultVal.(expr.Str); isStr {
				textResult = string(s)
			} else {
				runErr = newErr(ErrFallbackContract, "fallback export did not return a string")
			}
		} else {
			textResult = expr.String(resultVal)
		}
	}

	isErrResult := runErr == nil && expr.IsErrResult(textResult)
	shouldRollback := runErr != nil || isErrResult

	// The savepoint decision must land before settle()'s InsertResult: a
	// rollback issues ROLLBACK TO, which would otherwise undo the result
	// row settle() had just written on this same connection.
	var finalErr error = runErr
	if shouldRollback {
		if rerr := sp.Rollback(ctx); rerr != nil && !Fatal(finalErr) {
			finalErr = wrapErr(ErrInternalStoreFailure, rerr, "rollback savepoint after %s", exportName)
		}
	} else if cerr := sp.Commit(ctx); cerr != nil {
		finalErr = wrapErr(ErrInternalStoreFailure, cerr, "commit savepoint after %s", exportName)
	}

	rt.callstack.Pop()

	if info.IsProcedure() {
		if serr := rt.settle(ctx, gauge, holdID, contractID, exportName, textResult, runErr,
			height, txIndex, inputIndex, opIndex); serr != nil && finalErr == nil {
			finalErr = serr
		}
	} else if holdID != nil {
		rt.tokens.Release(*holdID)
	}

	if parentGauge != nil {
		parentGauge.Consume(gauge.Spent())
	}

	if finalErr != nil {
		return "", finalErr
	}
	return textResult, nil
}

// chooseFuelLimit decides the fuel budget for a call: a nested call inherits the
// parent's remaining fuel; a top-level non-core procedure call escrows
// gas_limit*gas_to_token_ratio and gets fuel_limit = gas_limit*fuel_per_gas;
// every other top-level call (view, core-signed, or a non-procedure export)
// gets the fixed fuel_for_non_procs budget with no escrow.
func (rt *Runtime) chooseFuelLimit(isTopLevel bool, info ExportInfo, signer Signer, parentGauge *fuel.Gauge) (uint64, *token.HoldID, error) {
	if !isTopLevel {
		return parentGauge.Remaining(), nil, nil
	}
	if info.IsProcedure() && !isCore(signer) {
		account, aerr := accountForSigner(signer)
		if aerr != nil {
			return 0, nil, aerr
		}
		owed := numerics.DecFromU64(rt.cfg.DefaultGasLimit).Mul(rt.cfg.GasToTokenRatio)
		holdID, herr := rt.tokens.Hold(account, owed)
		if herr != nil {
			return 0, nil, wrapErr(ErrInsufficientGas, herr, "escrow gas for %s", RenderSigner(signer))
		}
		return rt.cfg.DefaultGasLimit * rt.cfg.FuelPerGas, &holdID, nil
	}
	return rt.cfg.FuelForNonProcs, nil, nil
}

// settle implements the Settling transition for procedure calls: convert
// residual fuel to gas (minimum 1), burn that much from the escrow and
// release the rest, and persist a contract_results row.
func (rt *Runtime) settle(ctx context.Context, gauge *fuel.Gauge, holdID *token.HoldID, contractID int64, funcName, textResult string, runErr error, height, txIndex, inputIndex, opIndex uint64) error {
	gas := fuel.GasFromFuel(gauge.StartingFuel(), gauge.EndingFuel(), rt.cfg.FuelPerGas)

	var settleErr error
	if holdID != nil {
		owed := numerics.DecFromU64(gas).Mul(rt.cfg.GasToTokenRatio)
		if berr := rt.tokens.Burn(*holdID, owed); berr != nil {
			settleErr = wrapErr(ErrInternalStoreFailure, berr, "burn %d gas", gas)
		}
		if rerr := rt.tokens.Release(*holdID); rerr != nil && settleErr == nil {
			settleErr = wrapErr(ErrInternalStoreFailure, rerr, "release residual escrow")
		}
	}

	var value *string
	if runErr == nil {
		v := textResult
		value = &v
	}
	row := store.ResultRow{
		ContractID:  contractID,
		Height:      height,
		TxIndex:     txIndex,
		InputIndex:  inputIndex,
		OpIndex:     opIndex,
		ResultIndex: rt.nextResultIndex(),
		FuncName:    funcName,
		Gas:         gas,
		Value:       value,
	}
	if ierr := rt.store.InsertResult(ctx, row); ierr != nil {
		if settleErr == nil {
			settleErr = wrapErr(ErrInternalStoreFailure, ierr, "insert result row for %s", funcName)
		}
	}
	return settleErr
}

// invokeGuest calls into the guest, recovering a Go panic as a GuestTrap and
// classifying a fuel exhaustion error distinctly, capturing faults, fuel
// exhaustion, and linker errors uniformly.
func (rt *Runtime) invokeGuest(ctx context.Context, comp Component, export string, hc *HostContext, args []expr.Value) (result expr.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newErr(ErrGuestTrap, "panic in %s: %v", export, r)
		}
	}()
	result, err = comp.Invoke(ctx, export, hc, args)
	if err != nil {
		if errors.Is(err, fuel.ErrOutOfFuel) {
			return nil, wrapErr(ErrOutOfFuel, err, "fuel exhausted in %s", export)
		}
		var engineErr *Error
		if asError(err, &engineErr) {
			return nil, err
		}
		return nil, wrapErr(ErrGuestTrap, err, "guest error in %s", export)
	}
	return result, nil
}

// Publish deploys a contract at addr: publishing the same address with
// byte-identical content is an idempotent no-op;
// publishing the same address with different content is rejected; a fresh
// publish atomically inserts the bytes and runs init() (if exported) under
// one savepoint, as Core(signer).
func (rt *Runtime) Publish(ctx context.Context, signer Signer, name string, bytes []byte) (string, error) {
	height, txIndex, _, _, _, _, _ := rt.currentContext()
	addr := ContractAddress{Name: name, Height: height, TxIndex: txIndex}

	existingID, found, err := rt.store.ContractID(ctx, name, height, txIndex)
	if err != nil {
		return "", wrapErr(ErrInternalStoreFailure, err, "check existing publish at %s", addr.Render())
	}
	if found {
		existingBytes, berr := rt.store.ComponentBytes(ctx, existingID)
		if berr != nil {
			return "", wrapErr(ErrInternalStoreFailure, berr, "load existing bytes for %s", addr.Render())
		}
		if string(existingBytes) == string(bytes) {
			log.WithField("address", addr.Render()).Debug("publish is idempotent no-op")
			return addr.Render(), nil
		}
		return "", newErr(ErrStoreConflict, "publish %s already exists with different content", addr.Render())
	}

	sp, serr := rt.store.Savepoint(ctx)
	if serr != nil {
		return "", wrapErr(ErrInternalStoreFailure, serr, "open publish savepoint for %s", addr.Render())
	}

	if _, ierr := rt.store.InsertContract(ctx, name, height, txIndex, bytes); ierr != nil {
		sp.Rollback(ctx)
		return "", wrapErr(ErrInternalStoreFailure, ierr, "insert contract %s", addr.Render())
	}

	_, initErr := rt.run(ctx, CoreSigner{Inner: signer}, addr, "init()", nil)
	if initErr != nil {
		if kind, ok := KindOf(initErr); !ok || kind != ErrFunctionNotFound {
			sp.Rollback(ctx)
			return "", wrapErr(ErrInternalStoreFailure, initErr, "run init() for %s", addr.Render())
		}
	}

	if cerr := sp.Commit(ctx); cerr != nil {
		return "", wrapErr(ErrInternalStoreFailure, cerr, "commit publish of %s", addr.Render())
	}
	log.WithField("address", addr.Render()).Info("contract published")
	return addr.Render(), nil
}
