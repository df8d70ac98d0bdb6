package handler_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/identity"
	"github.com/jmerrifield20/eventledger/internal/ledger/authority"
	"github.com/jmerrifield20/eventledger/internal/ledger/handler"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/notify"
	"github.com/jmerrifield20/eventledger/internal/ledger/repository"
	"github.com/jmerrifield20/eventledger/internal/ledger/service"
	"github.com/jmerrifield20/eventledger/internal/ledger/signer"
	"github.com/jmerrifield20/eventledger/internal/ledger/verify"
)

var (
	alice = model.Owner{UserID: "alice", AgentID: "agt_alice"}
	bob   = model.Owner{UserID: "bob", AgentID: "agt_bob"}
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []notify.Appended
}

func (p *capturePublisher) PublishAppended(_ context.Context, msg notify.Appended) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type testEnv struct {
	router    *gin.Engine
	store     *repository.MemoryStore
	sessions  *identity.SessionIssuer
	publisher *capturePublisher
	handler   *handler.LedgerHandler
}

func setupLedgerRouter(t *testing.T, withAuthority bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore(clock)
	key, err := authority.GenerateKey("k1")
	require.NoError(t, err)
	keys := verify.KeyTable{"k1": key.Public()}

	_, sessionKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sessions := identity.NewSessionIssuer(sessionKey, "http://test", time.Hour, []byte("alias"), clock)

	receipts := service.NewReceiptService(store, verify.New(keys), zap.NewNop())
	h := handler.NewLedgerHandler(store, receipts, keys, sessions, zap.NewNop())
	if withAuthority {
		h.SetAuthority(authority.New(store, key, clock, zap.NewNop()))
	}
	pub := &capturePublisher{}
	h.SetPublisher(pub)

	r := gin.New()
	h.Register(r.Group("/api/v1"))
	return &testEnv{router: r, store: store, sessions: sessions, publisher: pub, handler: h}
}

func (e *testEnv) token(t *testing.T, owner model.Owner) string {
	t.Helper()
	tok, err := e.sessions.Issue(owner)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func newEvent(owner model.Owner, logicalID string) *model.Event {
	return &model.Event{
		Domain:       model.DomainSecurity,
		OwnerUserID:  owner.UserID,
		OwnerAgentID: owner.AgentID,
		LogicalID:    logicalID,
		Op:           model.OpAssert,
		EventType:    "login_alert",
		OccurredAt:   time.Date(2026, 6, 1, 11, 59, 0, 0, time.UTC),
		Payload:      model.Payload{"source": "test", "schema_version": 1, "ip": "10.0.0.1"},
	}
}

func decodeEvent(t *testing.T, w *httptest.ResponseRecorder) *model.Event {
	t.Helper()
	var e model.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return &e
}

func TestInsertEvent_201(t *testing.T) {
	env := setupLedgerRouter(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/ledger/events", env.token(t, alice), newEvent(alice, "l1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	row := decodeEvent(t, w)
	require.True(t, row.Persisted())
	require.False(t, row.CreatedAt.IsZero())
	require.Equal(t, 1, env.store.Len())

	require.Len(t, env.publisher.msgs, 1)
	require.Equal(t, row.ID, env.publisher.msgs[0].LedgerRowID)
	require.False(t, env.publisher.msgs[0].Signed)
}

func TestInsertEvent_errors(t *testing.T) {
	env := setupLedgerRouter(t, false)
	tok := env.token(t, alice)

	w := env.do(t, http.MethodPost, "/api/v1/ledger/events", "", newEvent(alice, "l1"))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/ledger/events", tok, newEvent(bob, "l1"))
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/ledger/events", tok, map[string]any{"domain": "billing"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/ledger/events", tok, newEvent(alice, "l1"))
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/ledger/events", tok, newEvent(alice, "l1"))
	require.Equal(t, http.StatusConflict, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, signer.CodeDuplicateRevision, body["code"])
	require.Equal(t, 1, env.store.Len())
}

func TestCurrentAndAtRevision(t *testing.T) {
	env := setupLedgerRouter(t, false)
	tok := env.token(t, alice)

	w := env.do(t, http.MethodGet, "/api/v1/ledger/current?domain=security&logical_id=l1", tok, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	first, err := env.store.InsertEvent(context.Background(), newEvent(alice, "l1"))
	require.NoError(t, err)
	next := newEvent(alice, "l1")
	next.Revision = 1
	next.SupersedesID = first.ID
	second, err := env.store.InsertEvent(context.Background(), next)
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, "/api/v1/ledger/current?domain=security&logical_id=l1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, second.ID, decodeEvent(t, w).ID)

	w = env.do(t, http.MethodGet, "/api/v1/ledger/chains/security/l1/revisions/0", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, first.ID, decodeEvent(t, w).ID)

	w = env.do(t, http.MethodGet, "/api/v1/ledger/chains/security/l1/revisions/-1", tok, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/ledger/current?domain=nope&logical_id=l1", tok, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Another owner cannot see alice's chain.
	w = env.do(t, http.MethodGet, "/api/v1/ledger/current?domain=security&logical_id=l1", env.token(t, bob), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListReceipts_scopedToOwner(t *testing.T) {
	env := setupLedgerRouter(t, false)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := env.store.InsertEvent(context.Background(), newEvent(alice, id))
		require.NoError(t, err)
	}
	_, err := env.store.InsertEvent(context.Background(), newEvent(bob, "b1"))
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/ledger/receipts?limit=2&domain=security", env.token(t, alice), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Receipts []model.Receipt `json:"receipts"`
		Count    int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	for _, r := range resp.Receipts {
		require.Equal(t, alice.UserID, r.Event.OwnerUserID)
		require.Nil(t, r.Signature)
	}

	w = env.do(t, http.MethodGet, "/api/v1/ledger/receipts?since=yesterday", env.token(t, alice), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetReceipt(t *testing.T) {
	env := setupLedgerRouter(t, false)
	row, err := env.store.InsertEvent(context.Background(), newEvent(alice, "l1"))
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/ledger/receipts/"+row.ID, env.token(t, alice), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/ledger/receipts/"+row.ID, env.token(t, bob), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/ledger/receipts/missing", env.token(t, alice), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSigningRPC_appendSignedThenVerify(t *testing.T) {
	env := setupLedgerRouter(t, true)
	tok := env.token(t, alice)

	w := env.do(t, http.MethodPost, "/api/v1/rpc/ledger-receipts", tok, signer.Request{
		Action: signer.ActionAppendSigned,
		Insert: newEvent(alice, "l1"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp signer.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.NotNil(t, resp.Row)
	require.NotNil(t, resp.SignatureRow)
	require.Equal(t, resp.Row.ID, resp.SignatureRow.LedgerRowID)

	w = env.do(t, http.MethodGet, "/api/v1/ledger/receipts/"+resp.Row.ID+"/verify", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var v map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.Equal(t, true, v["valid"])
	require.Equal(t, string(verify.ResultOK), v["result"])
	require.Equal(t, "k1", v["key_id"])

	require.Len(t, env.publisher.msgs, 1)
	require.True(t, env.publisher.msgs[0].Signed)
}

func TestSigningRPC_appendSignedRejectsForeignAgent(t *testing.T) {
	env := setupLedgerRouter(t, true)

	e := newEvent(alice, "l1")
	e.OwnerAgentID = "agt_other"
	w := env.do(t, http.MethodPost, "/api/v1/rpc/ledger-receipts", env.token(t, alice), signer.Request{
		Action: signer.ActionAppendSigned,
		Insert: e,
	})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	var resp signer.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.OK)
	require.Equal(t, signer.CodeForbidden, resp.Code)
	require.Equal(t, 0, env.store.Len())
	require.Empty(t, env.publisher.msgs)
}

func TestSigningRPC_signExisting(t *testing.T) {
	env := setupLedgerRouter(t, true)
	row, err := env.store.InsertEvent(context.Background(), newEvent(alice, "l1"))
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/v1/ledger/receipts/"+row.ID+"/verify", "", nil)
	var v map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.Equal(t, false, v["valid"])
	require.Equal(t, string(verify.ResultUnsigned), v["result"])

	req := signer.Request{Action: signer.ActionSignExisting, LedgerRowID: row.ID}
	w = env.do(t, http.MethodPost, "/api/v1/rpc/ledger-receipts", env.token(t, bob), req)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/rpc/ledger-receipts", env.token(t, alice), req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/ledger/receipts/"+row.ID+"/verify", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.Equal(t, true, v["valid"])
}

func TestSigningRPC_errors(t *testing.T) {
	env := setupLedgerRouter(t, true)
	tok := env.token(t, alice)

	w := env.do(t, http.MethodPost, "/api/v1/rpc/ledger-receipts", tok, signer.Request{Action: "rotate_keys"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/rpc/ledger-receipts", tok, signer.Request{Action: signer.ActionAppendSigned})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/rpc/ledger-receipts", tok, signer.Request{
		Action:      signer.ActionSignExisting,
		LedgerRowID: "missing",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	disabled := setupLedgerRouter(t, false)
	w = disabled.do(t, http.MethodPost, "/api/v1/rpc/ledger-receipts", disabled.token(t, alice), signer.Request{
		Action: signer.ActionAppendSigned,
		Insert: newEvent(alice, "l1"),
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSignerClient_againstHandler(t *testing.T) {
	env := setupLedgerRouter(t, true)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	client := signer.New(srv.URL+"/api/v1/rpc/ledger-receipts", zap.NewNop(), signer.WithBearerToken(env.token(t, alice)))

	row, ok := client.AppendSigned(context.Background(), newEvent(alice, "l1"))
	require.True(t, ok)
	require.True(t, row.Persisted())

	// Retrying the same insert returns the stored row.
	again, ok := client.AppendSigned(context.Background(), newEvent(alice, "l1"))
	require.True(t, ok)
	require.Equal(t, row.ID, again.ID)
	require.Equal(t, 1, env.store.Len())

	sig, err := client.SignExisting(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, row.ID, sig.LedgerRowID)

	_, ok = client.AppendSigned(context.Background(), newEvent(bob, "l2"))
	require.False(t, ok)
}

func TestKeys(t *testing.T) {
	env := setupLedgerRouter(t, false)

	w := env.do(t, http.MethodGet, "/api/v1/ledger/keys", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var keys map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &keys))
	table, err := verify.ParseKeyTable(keys)
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, table.IDs())
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(1, 1, handler.ClientIPKey))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusNoContent, first.Code)

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestWriteLimiter_keysOnOwner(t *testing.T) {
	env := setupLedgerRouter(t, false)
	env.handler.SetWriteLimiter(handler.RateLimiter(1, 1, handler.OwnerKey))
	r := gin.New()
	env.handler.Register(r.Group("/api/v1"))
	env.router = r

	aliceTok, bobTok := env.token(t, alice), env.token(t, bob)

	w := env.do(t, http.MethodPost, "/api/v1/ledger/events", aliceTok, newEvent(alice, "a1"))
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/ledger/events", aliceTok, newEvent(alice, "a2"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	// Same client IP, different owner: separate bucket.
	w = env.do(t, http.MethodPost, "/api/v1/ledger/events", bobTok, newEvent(bob, "b1"))
	require.Equal(t, http.StatusCreated, w.Code)
}
