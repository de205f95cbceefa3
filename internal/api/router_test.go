package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maddeth/boozie-bot-sub000/internal/app"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
	"github.com/maddeth/boozie-bot-sub000/internal/store"
)

const testInternalKey = "test-internal-key"

func newTestRouter(t *testing.T, jwks *JWKSCache) http.Handler {
	t.Helper()
	repo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "eggs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ledger := app.NewLedgerService(repo, app.LedgerOptions{Timeout: 2 * time.Second, RepointHistory: true})
	index := app.NewCommandIndex(repo)
	commands := app.NewCommandService(repo, index, 2*time.Second)
	return NewRouter(NewHandlers(ledger, commands, index), testInternalKey, jwks)
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalKeyHeader, testInternalKey)
	req.Header.Set(actorHeader, "mod-alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestAuthMiddlewareInternalKey(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", rec.Code)
	}

	tests := []struct {
		name string
		key  string
		want int
	}{
		{name: "missing key", key: "", want: http.StatusUnauthorized},
		{name: "wrong key", key: "nope", want: http.StatusUnauthorized},
		{name: "valid key", key: testInternalKey, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/accounts/stats", nil)
			if tt.key != "" {
				req.Header.Set(internalKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestAuthMiddlewareJWT(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "k1",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
			}},
		})
	}))
	defer jwksServer.Close()

	router := newTestRouter(t, NewJWKSCache(jwksServer.URL))

	sign := func(kid string, key *rsa.PrivateKey) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub": "mod-bob",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		token.Header["kid"] = kid
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "valid token", token: sign("k1", priv), want: http.StatusCreated},
		{name: "unknown kid", token: sign("k2", priv), want: http.StatusUnauthorized},
		{name: "wrong signer", token: sign("k1", other), want: http.StatusUnauthorized},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(createPoolRequest{Name: fmt.Sprintf("pool-%d", i)})
			req := httptest.NewRequest(http.MethodPost, "/api/pools", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusCreated {
				var pool domain.Pool
				decodeResponse(t, rec, &pool)
				if pool.Owner != "mod-bob" {
					t.Fatalf("expected token subject as owner, got %q", pool.Owner)
				}
			}
		})
	}
}

func TestLedgerEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/accounts/1001/adjust", adjustRequest{ID: "1001", Name: "Alice", Amount: 10, Reason: "welcome"})
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var balance balanceResponse
	decodeResponse(t, rec, &balance)
	if balance.Balance != 10 {
		t.Fatalf("expected balance 10, got %d", balance.Balance)
	}

	if rec := doRequest(t, router, http.MethodPost, "/api/pools", createPoolRequest{Name: "Fund"}); rec.Code != http.StatusCreated {
		t.Fatalf("create pool: expected 201, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodPost, "/api/pools", createPoolRequest{Name: "fund"}); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate pool: expected 409, got %d", rec.Code)
	}

	donate := func(amount int64) *httptest.ResponseRecorder {
		return doRequest(t, router, http.MethodPost, "/api/pools/fund/donate", donateRequest{
			Donor:  domain.AccountRef{ExternalID: "1001"},
			Amount: amount,
		})
	}
	rec = donate(4)
	if rec.Code != http.StatusOK {
		t.Fatalf("donate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeResponse(t, rec, &balance)
	if balance.Balance != 4 || balance.Key != "pool:fund" {
		t.Fatalf("unexpected pool total: %+v", balance)
	}

	statusCases := []struct {
		name string
		rec  *httptest.ResponseRecorder
		want int
	}{
		{name: "overdraw donation", rec: donate(100), want: http.StatusPaymentRequired},
		{name: "zero donation", rec: donate(0), want: http.StatusBadRequest},
		{name: "pool overdraw", rec: doRequest(t, router, http.MethodPost, "/api/pools/fund/adjust", poolAdjustRequest{Amount: -10}), want: http.StatusPaymentRequired},
		{name: "unknown account", rec: doRequest(t, router, http.MethodGet, "/api/accounts/lookup?id=404", nil), want: http.StatusNotFound},
		{name: "empty lookup", rec: doRequest(t, router, http.MethodGet, "/api/accounts/lookup", nil), want: http.StatusBadRequest},
		{name: "self merge", rec: doRequest(t, router, http.MethodPost, "/api/accounts/merge", mergeRequest{
			Source: domain.AccountRef{ExternalID: "1001"},
			Target: domain.AccountRef{ExternalID: "1001"},
		}), want: http.StatusConflict},
		{name: "bad json", rec: doRequest(t, router, http.MethodPost, "/api/accounts/register", "not an object"), want: http.StatusBadRequest},
	}
	for _, tc := range statusCases {
		if tc.rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.want, tc.rec.Code, tc.rec.Body.String())
		}
	}

	if rec := doRequest(t, router, http.MethodPost, "/api/pools/fund/deactivate", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate: expected 204, got %d", rec.Code)
	}
	if rec := donate(1); rec.Code != http.StatusConflict {
		t.Fatalf("donation to inactive pool: expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/accounts/1001/transactions", nil)
	var history []domain.LedgerTransaction
	decodeResponse(t, rec, &history)
	if len(history) != 2 {
		t.Fatalf("expected admin_add and donation records, got %d", len(history))
	}
	for _, record := range history {
		if record.Kind == domain.KindAdminAdd && record.Actor != "mod-alice" {
			t.Fatalf("expected X-Actor on admin record, got %q", record.Actor)
		}
	}

	rec = doRequest(t, router, http.MethodGet, "/api/accounts/1001/rank", nil)
	var rank struct {
		Rank int64 `json:"rank"`
	}
	decodeResponse(t, rec, &rank)
	if rank.Rank != 1 {
		t.Fatalf("expected rank 1, got %d", rank.Rank)
	}
}

func TestCommandEndpoints(t *testing.T) {
	router := newTestRouter(t, nil)
	response := "Quack!"

	rec := doRequest(t, router, http.MethodPost, "/api/commands", domain.CommandInput{Trigger: "!quack", Response: &response})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created domain.Command
	decodeResponse(t, rec, &created)

	rec = doRequest(t, router, http.MethodPost, "/api/commands/refresh", nil)
	var stats app.IndexStats
	decodeResponse(t, rec, &stats)
	if stats.Exact != 1 {
		t.Fatalf("expected 1 exact trigger after refresh, got %+v", stats)
	}

	if rec := doRequest(t, router, http.MethodPost, "/api/commands", domain.CommandInput{Trigger: "([", TriggerType: domain.TriggerRegex, Response: &response}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad regex: expected 400, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/api/commands/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodDelete, "/api/commands/"+created.ID.String(), nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/api/commands/"+created.ID.String(), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("op: %w: %w", store.ErrStorageUnavailable, errors.New("conn reset")), want: http.StatusServiceUnavailable},
		{err: store.ErrInsufficientFunds, want: http.StatusPaymentRequired},
		{err: store.ErrPoolNotFound, want: http.StatusNotFound},
		{err: store.ErrPoolExists, want: http.StatusConflict},
		{err: store.ErrPoolInactive, want: http.StatusConflict},
		{err: app.ErrSelfMerge, want: http.StatusConflict},
		{err: app.ErrInvalidPoolName, want: http.StatusBadRequest},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
