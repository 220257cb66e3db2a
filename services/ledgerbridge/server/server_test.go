package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/events"
	"ledgerbridge/core/types"
	"ledgerbridge/crypto"
	"ledgerbridge/services/ledgerbridge/bridge"
	"ledgerbridge/services/ledgerbridge/models"
	"ledgerbridge/services/ledgerbridge/recon"
)

const testSecret = "test-secret"

type accountMap map[string]types.Account

func (m accountMap) Lookup(username string) (types.Account, bool) {
	account, ok := m[username]
	return account, ok
}

type stubBridge struct {
	mu         sync.Mutex
	submitted  []invokeRequest
	submitUser string
	replayed   string
	result     *bridge.Result
	err        error
	payables   []models.Payable
	listings   []bridge.Listing
	listedFor  string
}

func (s *stubBridge) Submit(_ context.Context, username string, _ types.Account, function string, args []any) (*bridge.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitUser = username
	s.submitted = append(s.submitted, invokeRequest{Function: function, Args: args})
	return s.result, s.err
}

func (s *stubBridge) Call(_ context.Context, _ types.Account, function string, _ []any) (types.ReturnValue, error) {
	if s.err != nil {
		return nil, s.err
	}
	return types.ReturnValue{big.NewInt(500)}, nil
}

func (s *stubBridge) Replay(_ context.Context, txHash string) (*bridge.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replayed = txHash
	return s.result, s.err
}

func (s *stubBridge) Payables(context.Context, string) ([]models.Payable, error) {
	return s.payables, s.err
}

func (s *stubBridge) Receivables(context.Context, string) ([]models.Receivable, error) {
	return nil, s.err
}

func (s *stubBridge) Inventories(_ context.Context, username string) ([]bridge.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listedFor = username
	return s.listings, s.err
}

func newTestServer(t *testing.T, stub *stubBridge, limiter *SubmitLimiter) http.Handler {
	t.Helper()
	account, err := crypto.GenerateAccount()
	if err != nil {
		t.Fatalf("generate account: %v", err)
	}
	auth, err := NewAuthenticator(testSecret, "ledgerbridge", accountMap{"alice": account})
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	srv, err := New(Config{
		Bridge:        stub,
		Authenticator: auth,
		Limiter:       limiter,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return srv.Handler()
}

func token(t *testing.T, subject, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "ledgerbridge",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func do(t *testing.T, h http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("X-Request-Id", uuid.NewString())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAuthenticationRequired(t *testing.T) {
	h := newTestServer(t, &stubBridge{}, nil)
	cases := map[string]string{
		"missing":      "",
		"wrong secret": token(t, "alice", "other-secret"),
		"no account":   token(t, "mallory", testSecret),
	}
	for name, bearer := range cases {
		rec := do(t, h, http.MethodPost, "/sendtx", bearer, `{"fn_name":"registerCompany","fn_args":["Acme"]}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
		errBody := decodeBody(t, rec)["error"].(map[string]any)
		if errBody["kind"] != kindUnauthorized {
			t.Fatalf("%s: unexpected error body %v", name, errBody)
		}
	}
}

func TestSendTxRendersResult(t *testing.T) {
	buyer := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stub := &stubBridge{result: &bridge.Result{
		TxHash:       common.HexToHash("0x01"),
		Returns:      types.ReturnValue{big.NewInt(7), big.NewInt(9)},
		ReturnSource: types.OutputTraced,
		Events: []events.Event{{
			Name:   "Sold",
			Fields: []events.Field{{Name: "buyer", Type: "address", Value: buyer}, {Name: "payableId", Type: "uint256", Value: big.NewInt(7)}},
		}},
		Reconciliation: []recon.Outcome{
			{Index: 0, Event: "Sold", Status: recon.StatusApplied, Effects: []recon.Effect{{Kind: recon.KindPayable, ObligationID: 7, UserID: 1, Action: recon.ActionInserted}}},
			{Index: 1, Event: "Sold", Status: recon.StatusFailed, Err: lerrors.New(lerrors.KindUnknownParty, "no user owns 0xff")},
		},
	}}
	h := newTestServer(t, stub, nil)

	rec := do(t, h, http.MethodPost, "/sendtx", token(t, "alice", testSecret),
		`{"fn_name":"buyInventory","fn_args":["0x00000000000000000000000000000000000000b2","SKU-1",123456789012345678901234567890]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.submitUser != "alice" || len(stub.submitted) != 1 {
		t.Fatalf("bridge not invoked as alice: %+v", stub)
	}
	if n, ok := stub.submitted[0].Args[2].(json.Number); !ok || n.String() != "123456789012345678901234567890" {
		t.Fatalf("large integers must reach the bridge exactly, got %#v", stub.submitted[0].Args[2])
	}

	body := decodeBody(t, rec)
	if body["tx_hash"] != common.HexToHash("0x01").Hex() {
		t.Fatalf("unexpected tx hash %v", body["tx_hash"])
	}
	if body["returns_source"] != "trace" {
		t.Fatalf("unexpected returns source %v", body["returns_source"])
	}
	evts := body["events"].([]any)
	first := evts[0].(map[string]any)
	if first["name"] != "Sold" || first["data"].([]any)[0] != buyer.Hex() {
		t.Fatalf("unexpected event rendering %v", first)
	}
	outcomes := body["reconciliation"].([]any)
	failed := outcomes[1].(map[string]any)
	if failed["status"] != "failed" || failed["error"].(map[string]any)["kind"] != string(lerrors.KindUnknownParty) {
		t.Fatalf("unexpected failed outcome %v", failed)
	}
}

func TestErrorEnvelopeStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
		txHash string
	}{
		{lerrors.New(lerrors.KindRemoteRevert, "not a company").WithTx("0xabc"), http.StatusConflict, "RemoteRevert", "0xabc"},
		{lerrors.New(lerrors.KindSubmissionTimeout, "no receipt").WithTx("0xdef"), http.StatusGatewayTimeout, "SubmissionTimeout", "0xdef"},
		{lerrors.New(lerrors.KindRemoteUnavailable, "dial"), http.StatusServiceUnavailable, "RemoteUnavailable", ""},
		{lerrors.New(lerrors.KindUnknownFunction, "mint"), http.StatusBadRequest, "UnknownFunction", ""},
		{lerrors.New(lerrors.KindUnknownParty, "mallory"), http.StatusUnprocessableEntity, "UnknownParty", ""},
		{lerrors.New(lerrors.KindMalformedReceipt, "topics"), http.StatusBadGateway, "MalformedReceipt", ""},
		{errors.New("disk on fire"), http.StatusInternalServerError, "Internal", ""},
	}
	for _, tc := range cases {
		h := newTestServer(t, &stubBridge{err: tc.err}, nil)
		rec := do(t, h, http.MethodPost, "/sendtx", token(t, "alice", testSecret), `{"fn_name":"registerCompany","fn_args":["Acme"]}`)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		errBody := decodeBody(t, rec)["error"].(map[string]any)
		if errBody["kind"] != tc.kind {
			t.Fatalf("%v: expected kind %s, got %v", tc.err, tc.kind, errBody["kind"])
		}
		if tc.txHash != "" && errBody["tx_hash"] != tc.txHash {
			t.Fatalf("%v: expected tx hash %s, got %v", tc.err, tc.txHash, errBody["tx_hash"])
		}
		if tc.kind == "Internal" && strings.Contains(rec.Body.String(), "disk on fire") {
			t.Fatalf("internal error text leaked: %s", rec.Body.String())
		}
	}
}

func TestSendTxRejectsBadPayloads(t *testing.T) {
	stub := &stubBridge{}
	h := newTestServer(t, stub, nil)
	for _, body := range []string{`not json`, `{"fn_args":[]}`, `{"fn_name":"  "}`} {
		rec := do(t, h, http.MethodPost, "/sendtx", token(t, "alice", testSecret), body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, rec.Code)
		}
	}
	if len(stub.submitted) != 0 {
		t.Fatalf("invalid payloads must not reach the bridge")
	}
}

func TestSubmitRateLimitedPerUser(t *testing.T) {
	stub := &stubBridge{result: &bridge.Result{}}
	h := newTestServer(t, stub, NewSubmitLimiter(0.001, 1))
	bearer := token(t, "alice", testSecret)

	if rec := do(t, h, http.MethodPost, "/sendtx", bearer, `{"fn_name":"registerCompany","fn_args":["Acme"]}`); rec.Code != http.StatusOK {
		t.Fatalf("first submit: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/sendtx", bearer, `{"fn_name":"registerCompany","fn_args":["Acme"]}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit: expected 429, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/call", bearer, `{"fn_name":"balanceOf","fn_args":["0x00000000000000000000000000000000000000a1"]}`); rec.Code != http.StatusOK {
		t.Fatalf("reads are not throttled, got %d", rec.Code)
	}
}

func TestCallReplayAndListings(t *testing.T) {
	stub := &stubBridge{
		result:   &bridge.Result{TxHash: common.HexToHash("0x02")},
		payables: []models.Payable{{PayableID: 7, UserID: 1}},
	}
	h := newTestServer(t, stub, nil)
	bearer := token(t, "alice", testSecret)

	rec := do(t, h, http.MethodPost, "/call", bearer, `{"fn_name":"balanceOf","fn_args":["0x00000000000000000000000000000000000000a1"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("call: expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["result"]; got != float64(500) {
		t.Fatalf("unexpected call result %v", got)
	}

	hash := common.HexToHash("0x02").Hex()
	rec = do(t, h, http.MethodPost, "/replay/"+hash, bearer, "")
	if rec.Code != http.StatusOK || stub.replayed != hash {
		t.Fatalf("replay: status %d, replayed %q", rec.Code, stub.replayed)
	}

	rec = do(t, h, http.MethodGet, "/payables", bearer, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("payables: expected 200, got %d", rec.Code)
	}
	rows := decodeBody(t, rec)["payables"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["payable_id"] != float64(7) {
		t.Fatalf("unexpected payables %v", rows)
	}
}

func TestInventoriesListing(t *testing.T) {
	stub := &stubBridge{listings: []bridge.Listing{{ID: 3, SKU: "SKU-9", Username: "bob", Address: "0x00000000000000000000000000000000000000b2"}}}
	h := newTestServer(t, stub, nil)
	bearer := token(t, "alice", testSecret)

	rec := do(t, h, http.MethodGet, "/inventories?username=bob", bearer, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("inventories: expected 200, got %d", rec.Code)
	}
	if stub.listedFor != "bob" {
		t.Fatalf("filter not forwarded, got %q", stub.listedFor)
	}
	rows := decodeBody(t, rec)["inventories"].([]any)
	if len(rows) != 1 || rows[0].(map[string]any)["sku"] != "SKU-9" {
		t.Fatalf("unexpected inventories %v", rows)
	}

	if rec := do(t, h, http.MethodGet, "/inventories", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("inventories must require a token, got %d", rec.Code)
	}
}

func TestHealthzAndMetricsArePublic(t *testing.T) {
	h := newTestServer(t, &stubBridge{}, nil)
	if rec := do(t, h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", "", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "# metrics") {
		t.Fatalf("metrics: unexpected response %d %q", rec.Code, rec.Body.String())
	}
}
