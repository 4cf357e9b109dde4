// Harness_test.go
//
// Purpose: Minimal, deterministic test harness for the aggregator chaincode.
// Role: Provides an in-memory world-state "ledger", a mocked Fabric
// ChaincodeStub (via gomock), a cross-chaincode stub for the tracker's HasUser
// surface, and helpers to switch the acting identity and the ledger clock per
// test. It lets tests drive the contract without real peers, orderers, or
// crypto material.
// Key deps:
// - Hyperledger Fabric Go SDKs: chaincode-go/shim, contractapi, protos (peer, msp, queryresult)
// - gomock for stub expectations and return paths
// - Google protobuf/timestamppb for stable TxTimestamp values
// - Local fakes package: github.com/ivsnet/ivs_cc/fakes (mock stub interface)
// Notes:
// - The harness makes defensive copies of byte slices to avoid aliasing between
// the test code and the "ledger" maps.
// - Identities are memoized per (msp, name) so the same logical caller derives
// the same account across calls within a test binary.

package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sort"
	"strings"
	testing "testing"
	"time"

	msp "github.com/hyperledger/fabric-protos-go-apiv2/msp"
	pb "github.com/hyperledger/fabric-protos-go-apiv2/peer"
	queryresult "github.com/hyperledger/fabric-protos-go-apiv2/ledger/queryresult"

	"github.com/golang/mock/gomock"
	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"github.com/hyperledger/fabric-chaincode-go/v2/pkg/cid"
	contractapi "github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	f "github.com/ivsnet/ivs_cc/fakes"
	"github.com/ivsnet/ivs_cc/internal/identity"
)

const (
	testComputeMSP = "ComputeNetMSP"
	testClinicMSP  = "ClinicAMSP"
	testLabMSP     = "LabBMSP"

	testTrackerCC = "ivs-tracker"
	testAggCID    = "bafy-agg-0001"
	testShareID   = "share-0001"

	testLedgerTime int64 = 1767225600 // 2026-01-01T00:00:00Z
)

/* in-memory WS harness */

// MemWorld is a tiny in-memory ledger used by the mock stub.
// It tracks world state (ws), emitted events, and op counts.
type memWorld struct {
	ws     map[string][]byte
	events []struct {
		name    string
		payload []byte
	}
	opsCounts struct {
		getState, putState int
		setEvent           int
	}
}

// NewMemWorld allocates an empty memWorld.
func newMemWorld() *memWorld {
	return &memWorld{ws: make(map[string][]byte)}
}

// GetState simulates GetState on the in-mem world state.
// Copies the value before returning to avoid aliasing in tests.
func (m *memWorld) getState(key string) ([]byte, error) {
	m.opsCounts.getState++
	if v, ok := m.ws[key]; ok {
		return append([]byte(nil), v...), nil // Copy for safety
	}
	return nil, nil
}

// PutState simulates PutState on the in-mem world state.
func (m *memWorld) putState(key string, val []byte) error {
	m.opsCounts.putState++
	m.ws[key] = append([]byte(nil), val...) // Copy for safety
	return nil
}

// SetEvent records a chaincode event into the in-mem log.
func (m *memWorld) setEvent(name string, payload []byte) error {
	m.opsCounts.setEvent++
	m.events = append(m.events, struct {
		name    string
		payload []byte
	}{name: name, payload: append([]byte(nil), payload...)}) // Copy for safety
	return nil
}

// MemIter is a simple iterator over a pre-materialized slice of keys/values.
// It implements the subset of shim.StateQueryIteratorInterface used by tests.
type memIter struct {
	keys []string
	vals [][]byte
	i    int
}

// HasNext tells whether another KV is available.
func (it *memIter) HasNext() bool { return it.i < len(it.keys) }

// Next returns the current KV and advances the iterator.
func (it *memIter) Next() (*queryresult.KV, error) {
	if !it.HasNext() {
		return nil, fmt.Errorf("iterator exhausted")
	}
	kv := &queryresult.KV{Key: it.keys[it.i], Value: it.vals[it.i]}
	it.i++
	return kv, nil
}

// Close is a no-op to satisfy the interface.
func (it *memIter) Close() error { return nil }

// IterWSRange materializes a range scan over world state.
// It honors [start, end) lexicographic bounds and sorts keys for deterministic order.
func (m *memWorld) iterWSRange(start, end string) *memIter {
	if m.ws == nil {
		return &memIter{}
	}
	var keys []string
	for k := range m.ws {
		if (start == "" || k >= start) && (end == "" || k < end) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys) // Keep scans stable across runs
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = append([]byte(nil), m.ws[k]...) // Copy for safety
	}
	return &memIter{keys: keys, vals: vals}
}

/* tx context w/ real stub (no gomock ctx) */

// SimpleTxCtx adapts a raw shim.ChaincodeStubInterface to a contractapi TransactionContext.
// It keeps the shape tiny because tests only need GetStub.
type simpleTxCtx struct{ s shim.ChaincodeStubInterface }

// GetStub returns the underlying ChaincodeStubInterface.
func (c *simpleTxCtx) GetStub() shim.ChaincodeStubInterface { return c.s }

// GetClientIdentity is not used by the tests; it returns nil to satisfy the interface.
func (c *simpleTxCtx) GetClientIdentity() cid.ClientIdentity { return nil }

/* test harness (single definition) */

// TestHarness bundles the mock controller, stub, in-mem ledger, and the contract under test.
// The acting creator, txID, and ledger time are mutable so tests can switch
// identities and advance the clock between calls.
type testHarness struct {
	ctrl    *gomock.Controller
	ctx     contractapi.TransactionContextInterface
	stub    *f.MockChaincodeStubInterface
	mem     *memWorld
	cc      *AggregatorContract
	t       *testing.T
	txID    string
	creator []byte
	now     int64
}

// newHarness builds a mocked Fabric transaction context for unit tests.
// It wires world state to in-memory maps and starts with an unprivileged
// clinic identity at a fixed ledger time. Tests that exercise the aggregation
// store must also call stubTrackerUsers (or disable validation via SetParams).
func newHarness(t *testing.T) *testHarness {
	t.Helper()

	ctrl := gomock.NewController(t)
	stub := f.NewMockChaincodeStubInterface(ctrl)
	txctx := &simpleTxCtx{s: stub}
	mem := newMemWorld()

	h := &testHarness{
		ctrl: ctrl, ctx: txctx, stub: stub, mem: mem,
		cc: new(AggregatorContract), t: t, txID: "tx-0001",
		creator: serializedIdentity(testClinicMSP, "alice"),
		now:     testLedgerTime,
	}

	// The creator is whatever identity the test last selected via as().
	stub.EXPECT().GetCreator().AnyTimes().DoAndReturn(func() ([]byte, error) {
		return append([]byte(nil), h.creator...), nil
	})

	// Return the current harness txID; tests may override it per case.
	stub.EXPECT().GetTxID().AnyTimes().DoAndReturn(func() string { return h.txID })

	// Ledger clock follows h.now so tests can advance time between calls
	// (policy-expiry cases depend on this).
	stub.EXPECT().
		GetTxTimestamp().
		AnyTimes().
		DoAndReturn(func() (*timestamppb.Timestamp, error) {
			return &timestamppb.Timestamp{Seconds: h.now}, nil
		})

	// Stable channel ID used by the contract.
	stub.EXPECT().GetChannelID().AnyTimes().Return("healthchan-01")

	// Wire world state to the in-mem maps.
	stub.EXPECT().GetState(gomock.Any()).AnyTimes().DoAndReturn(mem.getState)
	stub.EXPECT().PutState(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.putState)

	// World-state range queries (pending-request and committee scans).
	stub.EXPECT().
		GetStateByRange(gomock.Any(), gomock.Any()).
		AnyTimes().
		DoAndReturn(func(start, end string) (shim.StateQueryIteratorInterface, error) {
			return mem.iterWSRange(start, end), nil
		})

	// Capture events into the in-mem log for assertions.
	stub.EXPECT().SetEvent(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.setEvent)

	return h
}

/* cc2cc stub (pointer return matches the shim) */

// StubTrackerUsers wires gomock expectations to answer the tracker's HasUser
// surface for a fixed registration map. Unknown accounts read as unregistered.
func (h *testHarness) stubTrackerUsers(registered map[string]bool) {
	h.stub.EXPECT().
		InvokeChaincode(
			gomock.Eq(testTrackerCC),              // Cc name
			gomock.AssignableToTypeOf([][]byte{}), // Args
			gomock.Any(),                          // Channel
		).
		AnyTimes().
		DoAndReturn(func(cc string, args [][]byte, ch string) *pb.Response {
			if len(args) == 0 {
				return &pb.Response{Status: int32(shim.ERROR), Message: "missing fcn"}
			}
			fcn := string(args[0])
			switch fcn {
			case "HasUser":
				if len(args) < 2 {
					return &pb.Response{Status: int32(shim.ERROR), Message: "bad args for HasUser"}
				}
				if registered[string(args[1])] {
					return &pb.Response{Status: int32(shim.OK), Payload: []byte("true")}
				}
				return &pb.Response{Status: int32(shim.OK), Payload: []byte("false")}
			default:
				return &pb.Response{Status: 404, Message: "not mocked: " + fcn}
			}
		})
}

/* identity helpers */

// Memoized per (msp, name) so a logical caller keeps one account across calls.
var identityCache = map[string][]byte{}

// SerializedIdentity returns stable serialized-identity bytes for a logical caller.
func serializedIdentity(mspID, name string) []byte {
	k := mspID + "|" + name
	if b, ok := identityCache[k]; ok {
		return b
	}
	b := devSerializedIdentity(mspID)
	identityCache[k] = b
	return b
}

// AccountOf derives the ledger account a logical caller transacts under.
func accountOf(t *testing.T, mspID, name string) string {
	t.Helper()
	c, err := identity.FromCreator(serializedIdentity(mspID, name))
	if err != nil {
		t.Fatalf("derive account for %s/%s: %v", mspID, name, err)
	}
	return c.Account
}

// As switches the acting identity for subsequent contract calls.
// Returns the account the identity transacts under.
func (h *testHarness) as(mspID, name string) string {
	h.creator = serializedIdentity(mspID, name)
	return accountOf(h.t, mspID, name)
}

// AsCompute switches to the privileged compute-network identity.
func (h *testHarness) asCompute() { h.as(testComputeMSP, "compute-0") }

/* small helpers */

// SetTxID overrides the txID seen by the contract for the next operations.
func (h *testHarness) setTxID(id string) { h.txID = id }

// SetNow moves the ledger clock for subsequent transactions.
func (h *testHarness) setNow(sec int64) { h.now = sec }

// Submit queues a recompute request for the given conditions with no target.
func (h *testHarness) submit(conds ...string) (uint64, error) {
	return h.cc.SubmitRecompute(h.ctx, string(jsonStrings(conds)), "")
}

// EventCount counts captured events with the given name.
func (h *testHarness) eventCount(name string) int {
	n := 0
	for _, e := range h.mem.events {
		if e.name == name {
			n++
		}
	}
	return n
}

// LastEvent returns the payload of the most recent event with the given name,
// or nil when none was emitted.
func (h *testHarness) lastEvent(name string) []byte {
	for i := len(h.mem.events) - 1; i >= 0; i-- {
		if h.mem.events[i].name == name {
			return h.mem.events[i].payload
		}
	}
	return nil
}

// RequireNoErr fails the test immediately if err != nil, labeling it unexpected.
func requireNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// RequireErrContains asserts that err is non-nil and its message contains wantSubstr (case-insensitive).
func requireErrContains(t *testing.T, err error, wantSubstr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", wantSubstr)
	}
	if wantSubstr != "" && !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(wantSubstr)) {
		t.Fatalf("error %q does not contain %q", err.Error(), wantSubstr)
	}
}

/* tiny JSON & identity generation */

// JsonStrings is a minimal, stable encoder for []string used by tests.
func jsonStrings(s []string) []byte {
	if len(s) == 0 {
		return []byte("[]")
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(e, `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte(']')
	return []byte(b.String())
}

// DevSerializedIdentity generates a minimal SerializedIdentity with a self-signed cert.
// It's good enough for GetCreator parsing in contract code.
func devSerializedIdentity(ms string) []byte {
	key, _ := rsa.GenerateKey(rand.Reader, 1024)
	tpl := &x509.Certificate{SerialNumber: big.NewInt(1), NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour)}
	der, _ := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	pemCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	sid := &msp.SerializedIdentity{Mspid: ms, IdBytes: pemCert}
	b, _ := proto.Marshal(sid)
	return b
}
