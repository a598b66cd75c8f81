package engine

import (
	"context"
	"errors"
	"testing"

	"cairnvm/callstack"
	"cairnvm/expr"
	"cairnvm/fuel"
	"cairnvm/numerics"
	"cairnvm/store"
	"cairnvm/token"
)

func testConfig() Config {
	ratio, _ := numerics.DecFromString("0.000000001")
	return Config{
		FuelPerGas:      10,
		GasToTokenRatio: ratio,
		FuelForNonProcs: 10_000,
		DefaultGasLimit: 1_000,
		Costs:           fuel.DefaultCosts,
	}
}

func newTestRuntime(t *testing.T) (*Runtime, *store.Store, *token.Ledger) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ledger := token.New()
	ledger.Issuance(token.Account(0), numerics.DecFromU64(1_000_000))

	rt := NewRuntime(testConfig(), st, ledger)
	return rt, st, ledger
}

func publish(t *testing.T, rt *Runtime, name string, fc *FakeComponent) ContractAddress {
	t.Helper()
	rt.RegisterFakeComponent(name, fc)
	rt.SetContext(0, 0, 0, 0, []byte{0xaa}, OutPoint{}, nil)
	if _, err := rt.Publish(context.Background(), Nobody{}, name, FakeMarker(name)); err != nil {
		t.Fatalf("publish %s: %v", name, err)
	}
	return ContractAddress{Name: name, Height: 0, TxIndex: 0}
}

// arithmeticContract is a simple arithmetic contract: add(a, b) records a+b
// in storage and returns ok(sum); checked_sub(a, b) returns
// err(Message("underflow")) when a < b, else records and returns ok(a-b).
func arithmeticContract() *FakeComponent {
	return NewFakeComponent(map[string]FakeExport{
		"add": {ContextKind: KindProc, Fn: func(hc *HostContext, args []expr.Value) (expr.Value, error) {
			a := args[0].(expr.Int).V
			b := args[1].(expr.Int).V
			sum := a.Add(b)
			if err := hc.SetS64(context.Background(), "last_sum", mustS64(sum)); err != nil {
				return nil, err
			}
			return expr.Ok(expr.Int{V: sum}), nil
		}},
		"checked_sub": {ContextKind: KindProc, Fn: func(hc *HostContext, args []expr.Value) (expr.Value, error) {
			a := args[0].(expr.Int).V
			b := args[1].(expr.Int).V
			if a.Cmp(b) < 0 {
				return expr.Err(expr.Message("underflow")), nil
			}
			diff := a.Sub(b)
			if err := hc.SetS64(context.Background(), "last_sum", mustS64(diff)); err != nil {
				return nil, err
			}
			return expr.Ok(expr.Int{V: diff}), nil
		}},
	}, nil)
}

func mustS64(i numerics.Integer) int64 {
	var v int64
	for _, c := range i.String() {
		if c == '-' {
			continue
		}
		v = v*10 + int64(c-'0')
	}
	if i.IsNegative() {
		v = -v
	}
	return v
}

// S1: arithmetic contract evaluation via expr host bindings.
func TestExecuteArithmeticContract(t *testing.T) {
	ctx := context.Background()
	rt, st, _ := newTestRuntime(t)
	if err := st.InsertBlock(ctx, 0, []byte{0x01}, []byte{0x00}); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	addr := publish(t, rt, "arith", arithmeticContract())

	rt.SetContext(0, 1, 0, 0, []byte{0xbb}, OutPoint{}, nil)
	result, err := rt.Execute(ctx, Nobody{}, addr, "add(2, 3)")
	if err != nil {
		t.Fatalf("Execute add: %v", err)
	}
	if result != "ok(5)" {
		t.Fatalf("got %q, want ok(5)", result)
	}

	id, found, err := st.ContractID(ctx, "arith", 0, 0)
	if err != nil || !found {
		t.Fatalf("contract not found: %v %v", found, err)
	}
	raw, found, err := st.Get(ctx, id, "last_sum")
	if err != nil || !found {
		t.Fatalf("last_sum not set: %v %v", found, err)
	}
	if len(raw) != 8 {
		t.Fatalf("unexpected encoded length %d", len(raw))
	}
}

// S2: checked_sub underflow returns an err(...) result and rolls back any
// state mutation the call attempted before failing.
func TestExecuteCheckedSubRollsBackOnErr(t *testing.T) {
	ctx := context.Background()
	rt, st, _ := newTestRuntime(t)
	if err := st.InsertBlock(ctx, 0, []byte{0x01}, []byte{0x00}); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	addr := publish(t, rt, "arith", arithmeticContract())

	rt.SetContext(0, 1, 0, 0, []byte{0xbb}, OutPoint{}, nil)
	result, err := rt.Execute(ctx, Nobody{}, addr, "checked_sub(2, 5)")
	if err != nil {
		t.Fatalf("Execute checked_sub: %v", err)
	}
	if result != `err(Message("underflow"))` {
		t.Fatalf("got %q", result)
	}

	id, _, _ := st.ContractID(ctx, "arith", 0, 0)
	if _, found, _ := st.Get(ctx, id, "last_sum"); found {
		t.Fatal("last_sum should not have been persisted after a rolled-back err result")
	}

	// The result row itself is not part of the rolled-back savepoint: it
	// must survive even though the state mutation the call attempted did
	// not.
	results, err := st.ResultsForContract(ctx, id)
	if err != nil {
		t.Fatalf("ResultsForContract: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one result row for the failed call, got %d", len(results))
	}
	if results[0].Gas < 1 {
		t.Fatalf("expected gas >= 1 for a failed call, got %d", results[0].Gas)
	}
	if results[0].Value == nil || *results[0].Value != `err(Message("underflow"))` {
		t.Fatalf("expected result row value err(Message(\"underflow\")), got %v", results[0].Value)
	}
}

// S3: a top-level procedure call escrows gas from the signer's account and
// burns exactly the settled amount, releasing the rest.
func TestExecuteSettlesGasAgainstSignerAccount(t *testing.T) {
	ctx := context.Background()
	rt, st, ledger := newTestRuntime(t)
	if err := st.InsertBlock(ctx, 0, []byte{0x01}, []byte{0x00}); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	addr := publish(t, rt, "arith", arithmeticContract())

	before := ledger.Balance(token.Account(0))

	rt.SetContext(0, 1, 0, 0, []byte{0xbb}, OutPoint{}, nil)
	if _, err := rt.Execute(ctx, Nobody{}, addr, "add(1, 1)"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	after := ledger.Balance(token.Account(0))
	if after.Cmp(before) >= 0 {
		t.Fatalf("expected balance to decrease from gas burn, before=%s after=%s", before.String(), after.String())
	}
}

// S4: a nested foreign call claiming a signer that is not the actual current
// caller is rejected.
func TestCallRejectsForgedSigner(t *testing.T) {
	ctx := context.Background()
	rt, st, _ := newTestRuntime(t)
	if err := st.InsertBlock(ctx, 0, []byte{0x01}, []byte{0x00}); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}

	callee := publish(t, rt, "callee", NewFakeComponent(map[string]FakeExport{
		"ping": {ContextKind: KindView, Fn: func(hc *HostContext, args []expr.Value) (expr.Value, error) {
			return expr.Str("pong"), nil
		}},
	}, nil))

	caller := NewFakeComponent(map[string]FakeExport{
		"relay": {ContextKind: KindProc, Fn: func(hc *HostContext, args []expr.Value) (expr.Value, error) {
			forged := ContractSigner{ID: callstack.ContractID(999999)}
			_, err := hc.Call(context.Background(), forged, callee, "ping()")
			if err == nil {
				return nil, errors.New("expected forged signer to be rejected")
			}
			if kind, ok := KindOf(err); !ok || kind != ErrInvalidContractIDSigner {
				return nil, err
			}
			return expr.Ok(expr.Str("rejected-as-expected")), nil
		}},
	}, nil)
	callerAddr := publish(t, rt, "caller", caller)

	rt.SetContext(0, 2, 0, 0, []byte{0xcc}, OutPoint{}, nil)
	result, err := rt.Execute(ctx, Nobody{}, callerAddr, "relay()")
	if err != nil {
		t.Fatalf("Execute relay: %v", err)
	}
	if result != `ok("rejected-as-expected")` {
		t.Fatalf("got %q", result)
	}
}

// S5: rolling the store back to an earlier height removes a later publish,
// so re-ingesting the same block after a reorg observes a clean slate.
func TestRollbackToHeightRemovesLaterPublish(t *testing.T) {
	ctx := context.Background()
	rt, st, _ := newTestRuntime(t)

	if err := st.InsertBlock(ctx, 0, []byte{0x01}, []byte{0x00}); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	publish(t, rt, "counter", arithmeticContract())

	if err := st.InsertBlock(ctx, 1, []byte{0x02}, []byte{0x01}); err != nil {
		t.Fatalf("insert block 1: %v", err)
	}
	rt.RegisterFakeComponent("later", arithmeticContract())
	rt.SetContext(1, 0, 0, 0, []byte{0xdd}, OutPoint{}, nil)
	if _, err := rt.Publish(ctx, Nobody{}, "later", FakeMarker("later")); err != nil {
		t.Fatalf("publish later: %v", err)
	}

	if err := st.RollbackToHeight(ctx, 0); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, found, _ := st.ContractID(ctx, "later", 1, 0); found {
		t.Fatal("expected publish at height 1 to be rolled back")
	}
	if _, found, _ := st.ContractID(ctx, "counter", 0, 0); !found {
		t.Fatal("expected publish at height 0 to survive rollback")
	}
	lastHeight, ok, err := st.LastHeight(ctx)
	if err != nil || !ok || lastHeight != 0 {
		t.Fatalf("expected last height 0, got %d ok=%v err=%v", lastHeight, ok, err)
	}
}

// S6: publishing identical bytes at the same address twice is an idempotent
// no-op; publishing different bytes at the same address is rejected
//).
func TestPublishIdempotentVsConflicting(t *testing.T) {
	ctx := context.Background()
	rt, st, _ := newTestRuntime(t)
	if err := st.InsertBlock(ctx, 0, []byte{0x01}, []byte{0x00}); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	rt.RegisterFakeComponent("dup", arithmeticContract())
	rt.SetContext(0, 0, 0, 0, []byte{0xaa}, OutPoint{}, nil)

	first, err := rt.Publish(ctx, Nobody{}, "dup", FakeMarker("dup"))
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	second, err := rt.Publish(ctx, Nobody{}, "dup", FakeMarker("dup"))
	if err != nil {
		t.Fatalf("idempotent republish should not error: %v", err)
	}
	if first != second {
		t.Fatalf("idempotent republish returned different address: %s vs %s", first, second)
	}

	_, err = rt.Publish(ctx, Nobody{}, "dup", FakeMarker("dup-different"))
	if err == nil {
		t.Fatal("expected conflicting publish to be rejected")
	}
	if kind, ok := KindOf(err); !ok || kind != ErrStoreConflict {
		t.Fatalf("expected ErrStoreConflict, got %v", err)
	}
}

// Out-of-fuel: a view call with an artificially tiny fuel budget fails with
// ErrOutOfFuel rather than running to completion.
func TestOutOfFuelDuringStorageGet(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FuelForNonProcs = 1 // smaller than even CostStorageGet's base cost
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	if err := st.InsertBlock(ctx, 0, []byte{0x01}, []byte{0x00}); err != nil {
		t.Fatalf("insert genesis: %v", err)
	}
	ledger := token.New()
	rt := NewRuntime(cfg, st, ledger)

	view := NewFakeComponent(map[string]FakeExport{
		"peek": {ContextKind: KindView, Fn: func(hc *HostContext, args []expr.Value) (expr.Value, error) {
			_, _, err := hc.GetStr(context.Background(), "anything")
			return expr.Unit{}, err
		}},
	}, nil)
	rt.RegisterFakeComponent("viewer", view)
	rt.SetContext(0, 0, 0, 0, []byte{0xaa}, OutPoint{}, nil)
	if _, err := rt.Publish(ctx, Nobody{}, "viewer", FakeMarker("viewer")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	rt.SetContext(0, 1, 0, 0, []byte{0xbb}, OutPoint{}, nil)
	_, err = rt.Execute(ctx, Nobody{}, ContractAddress{Name: "viewer", Height: 0, TxIndex: 0}, "peek()")
	if err == nil {
		t.Fatal("expected out-of-fuel error")
	}
	if kind, ok := KindOf(err); !ok || kind != ErrOutOfFuel {
		t.Fatalf("expected ErrOutOfFuel, got %v", err)
	}
}
