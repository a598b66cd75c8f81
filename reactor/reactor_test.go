package reactor

import (
	"context"
	"fmt"
	"testing"

	"cairnvm/engine"
	"cairnvm/expr"
	"cairnvm/fuel"
	"cairnvm/numerics"
	"cairnvm/store"
	"cairnvm/token"
)

// fakeFollower replays a fixed slice of events, standing in for a real
// ChainFollower in tests.
type fakeFollower struct {
	events []ChainEvent
}

func (f *fakeFollower) Seek(ctx context.Context, fromHeight uint64, lastHash []byte) (<-chan ChainEvent, error) {
	ch := make(chan ChainEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func testConfig() engine.Config {
	ratio, _ := numerics.DecFromString("0.000000001")
	return engine.Config{
		FuelPerGas:      10,
		GasToTokenRatio: ratio,
		FuelForNonProcs: 10_000,
		DefaultGasLimit: 1_000,
		Costs:           fuel.DefaultCosts,
	}
}

// counterContract is a minimal FakeComponent-backed contract: init() zeroes
// a counter, bump(n) adds n to it and returns the new total.
func counterContract() *engine.FakeComponent {
	exports := map[string]engine.FakeExport{
		"init": {ContextKind: engine.KindProc, Fn: func(hc *engine.HostContext, args []expr.Value) (expr.Value, error) {
			if err := hc.SetU64(context.Background(), "total", 0); err != nil {
				return nil, err
			}
			return expr.Unit{}, nil
		}},
		"bump": {ContextKind: engine.KindProc, Fn: func(hc *engine.HostContext, args []expr.Value) (expr.Value, error) {
			n, ok := args[0].(expr.Int)
			if !ok {
				return nil, fmt.Errorf("bump: expected an integer argument")
			}
			cur, _, err := hc.GetU64(context.Background(), "total")
			if err != nil {
				return nil, err
			}
			next := cur + uint64(mustInt64(n.V))
			if err := hc.SetU64(context.Background(), "total", next); err != nil {
				return nil, err
			}
			return expr.Record{{Name: "value", Value: expr.Int{V: numerics.IntFromU64(next)}}}, nil
		}},
	}
	return engine.NewFakeComponent(exports, nil)
}

// mustInt64 extracts a small int64 out of an arbitrary-precision Integer for
// this test's tiny fixture values; production numerics stay arbitrary
// precision end to end and never need this narrowing.
func mustInt64(i numerics.Integer) int64 {
	var v int64
	fmt.Sscanf(i.String(), "%d", &v)
	return v
}

func newTestRuntime(t *testing.T) (*engine.Runtime, *store.Store, *token.Ledger) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens := token.New()
	tokens.Issuance(token.Account(0), numerics.DecFromU64(1_000_000))

	rt := engine.NewRuntime(testConfig(), st, tokens)
	return rt, st, tokens
}

func TestReactorBlockConnectedPublishAndExecute(t *testing.T) {
	ctx := context.Background()
	rt, st, _ := newTestRuntime(t)
	rt.RegisterFakeComponent("counter", counterContract())

	publishEnv, err := EncodePublish(engine.Nobody{}, "counter", engine.FakeMarker("counter"))
	if err != nil {
		t.Fatalf("EncodePublish: %v", err)
	}
	executeEnv, err := EncodeExecute(engine.Nobody{}, engine.ContractAddress{Name: "counter", Height: 0, TxIndex: 0}, "bump(5)")
	if err != nil {
		t.Fatalf("EncodeExecute: %v", err)
	}

	block := &Block{
		Height:   0,
		Hash:     []byte{0x01},
		PrevHash: []byte{0x00},
		Transactions: []Transaction{
			{TxIndex: 0, TxID: []byte{0xaa}, Ops: []Operation{
				{InputIndex: 0, OpIndex: 0, Envelope: mustDecode(t, publishEnv)},
			}},
			{TxIndex: 1, TxID: []byte{0xbb}, Ops: []Operation{
				{InputIndex: 0, OpIndex: 0, Envelope: mustDecode(t, executeEnv)},
			}},
		},
	}

	follower := &fakeFollower{events: []ChainEvent{{Kind: EventBlockConnected, Block: block}}}
	r := New(rt, st, follower)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	id, found, err := st.ContractID(ctx, "counter", 0, 0)
	if err != nil || !found {
		t.Fatalf("contract not published: found=%v err=%v", found, err)
	}
	raw, found, err := st.Get(ctx, id, "total")
	if err != nil || !found {
		t.Fatalf("state not set: found=%v err=%v", found, err)
	}
	if len(raw) != 8 {
		t.Fatalf("unexpected stored length %d", len(raw))
	}
}

func TestReactorBlockDisconnectedRollsBack(t *testing.T) {
	ctx := context.Background()
	rt, st, _ := newTestRuntime(t)
	rt.RegisterFakeComponent("counter", counterContract())

	publishEnv, _ := EncodePublish(engine.Nobody{}, "counter", engine.FakeMarker("counter"))

	genesis := &Block{Height: 0, Hash: []byte{0x01}, PrevHash: []byte{0x00}}
	block1 := &Block{
		Height: 1, Hash: []byte{0x02}, PrevHash: []byte{0x01},
		Transactions: []Transaction{{TxIndex: 0, TxID: []byte{0xaa}, Ops: []Operation{
			{OpIndex: 0, Envelope: mustDecode(t, publishEnv)},
		}}},
	}

	follower := &fakeFollower{events: []ChainEvent{
		{Kind: EventBlockConnected, Block: genesis},
		{Kind: EventBlockConnected, Block: block1},
		{Kind: EventBlockDisconnected, DisconnectedHash: []byte{0x02}},
	}}
	r := New(rt, st, follower)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lastHeight, ok, err := st.LastHeight(ctx)
	if err != nil || !ok || lastHeight != 0 {
		t.Fatalf("expected rollback to height 0, got %d ok=%v err=%v", lastHeight, ok, err)
	}
	if _, found, _ := st.ContractID(ctx, "counter", 1, 0); found {
		t.Fatal("expected publish at height 1 to be rolled back")
	}
}

// A disconnect must also roll back whatever the disconnected block did to
// the token ledger: bump() at height 1 burns gas against account 0, and
// that burn must be undone along with the rest of height 1's state once
// it is rolled back.
func TestReactorBlockDisconnectedRollsBackTokenLedger(t *testing.T) {
	ctx := context.Background()
	rt, st, tokens := newTestRuntime(t)
	rt.RegisterFakeComponent("counter", counterContract())
	initialBalance := tokens.Balance(token.Account(0))

	publishEnv, _ := EncodePublish(engine.Nobody{}, "counter", engine.FakeMarker("counter"))
	executeEnv, _ := EncodeExecute(engine.Nobody{}, engine.ContractAddress{Name: "counter", Height: 0, TxIndex: 0}, "bump(5)")

	genesis := &Block{Height: 0, Hash: []byte{0x01}, PrevHash: []byte{0x00},
		Transactions: []Transaction{{TxIndex: 0, TxID: []byte{0xaa}, Ops: []Operation{
			{InputIndex: 0, OpIndex: 0, Envelope: mustDecode(t, publishEnv)},
		}}},
	}
	block1 := &Block{
		Height: 1, Hash: []byte{0x02}, PrevHash: []byte{0x01},
		Transactions: []Transaction{{TxIndex: 0, TxID: []byte{0xbb}, Ops: []Operation{
			{InputIndex: 0, OpIndex: 0, Envelope: mustDecode(t, executeEnv)},
		}}},
	}

	follower := &fakeFollower{events: []ChainEvent{
		{Kind: EventBlockConnected, Block: genesis},
		{Kind: EventBlockConnected, Block: block1},
		{Kind: EventBlockDisconnected, DisconnectedHash: []byte{0x02}},
	}}
	r := New(rt, st, follower)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := tokens.Balance(token.Account(0)); got.Cmp(initialBalance) != 0 {
		t.Fatalf("expected token ledger balance to roll back to %s after disconnect, got %s", initialBalance.String(), got.String())
	}
}

func mustDecode(t *testing.T, raw []byte) Envelope {
	t.Helper()
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	return env
}
