// Package handler exposes the ledger over HTTP: plain writes, the current
// view, receipts, verification, key distribution and the signing RPC.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/identity"
	"github.com/jmerrifield20/eventledger/internal/ledger/authority"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/notify"
	"github.com/jmerrifield20/eventledger/internal/ledger/service"
	"github.com/jmerrifield20/eventledger/internal/ledger/signer"
	"github.com/jmerrifield20/eventledger/internal/ledger/verify"
)

// ledgerStore is the write and chain-lookup side of the backend store.
type ledgerStore interface {
	InsertEvent(ctx context.Context, e *model.Event) (*model.Event, error)
	CurrentRevision(ctx context.Context, domain model.Domain, logicalID string) (*model.Event, error)
	EventAtRevision(ctx context.Context, domain model.Domain, logicalID string, revision int) (*model.Event, error)
}

// LedgerHandler handles the ledger HTTP API.
type LedgerHandler struct {
	store     ledgerStore
	receipts  *service.ReceiptService
	keys      verify.KeyTable
	sessions  *identity.SessionIssuer
	authority *authority.Authority // nil = signing RPC answers 503
	publisher notify.Publisher     // nil = no notifications
	limiter   gin.HandlerFunc      // nil = no per-owner write limit
	logger    *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. Every route except key
// distribution and verification requires a session token from sessions.
func NewLedgerHandler(store ledgerStore, receipts *service.ReceiptService, keys verify.KeyTable, sessions *identity.SessionIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{store: store, receipts: receipts, keys: keys, sessions: sessions, logger: logger}
}

// SetAuthority enables the signing RPC.
func (h *LedgerHandler) SetAuthority(a *authority.Authority) { h.authority = a }

// SetPublisher configures appended-row notifications.
func (h *LedgerHandler) SetPublisher(p notify.Publisher) { h.publisher = p }

// SetWriteLimiter installs a rate limiter in front of write routes, after
// authentication so it can key on the owner.
func (h *LedgerHandler) SetWriteLimiter(l gin.HandlerFunc) { h.limiter = l }

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	auth := identity.RequireSession(h.sessions)
	write := h.limiter
	if write == nil {
		write = func(c *gin.Context) { c.Next() }
	}

	l := rg.Group("/ledger")
	{
		l.POST("/events", auth, write, h.InsertEvent)
		l.GET("/current", auth, h.Current)
		l.GET("/chains/:domain/:logical_id/revisions/:revision", auth, h.AtRevision)
		l.GET("/receipts", auth, h.ListReceipts)
		l.GET("/receipts/:id", auth, h.GetReceipt)
		l.GET("/receipts/:id/verify", h.VerifyReceipt)
		l.GET("/keys", h.Keys)
	}
	rg.POST("/rpc/ledger-receipts", auth, write, h.SigningRPC)
}

// InsertEvent handles POST /ledger/events: a plain, unsigned insert.
func (h *LedgerHandler) InsertEvent(c *gin.Context) {
	owner, _ := identity.OwnerFromGin(c)

	var e model.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": signer.CodeInvalidRequest})
		return
	}
	if e.OwnerUserID != owner.UserID || e.OwnerAgentID != owner.AgentID {
		c.JSON(http.StatusForbidden, gin.H{"error": "row owner does not match session", "code": signer.CodeForbidden})
		return
	}
	e.ID = ""
	e.CreatedAt = time.Time{}

	row, err := h.store.InsertEvent(c.Request.Context(), &e)
	if err != nil {
		h.writeError(c, "insert ledger event", err)
		return
	}

	h.logger.Info("ledger row stored",
		zap.String("ledger_row_id", row.ID),
		zap.String("domain", string(row.Domain)),
		zap.String("logical_id", row.LogicalID),
		zap.Int("revision", row.Revision),
	)
	RecordRowAppended(row.Domain, false)
	h.publish(c.Request.Context(), row, false)
	c.JSON(http.StatusCreated, row)
}

// Current handles GET /ledger/current?domain=&logical_id=.
func (h *LedgerHandler) Current(c *gin.Context) {
	domain, err := model.ParseDomain(c.Query("domain"))
	if err != nil {
		h.writeError(c, "current revision", err)
		return
	}
	logicalID := c.Query("logical_id")
	if logicalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "logical_id is required", "code": signer.CodeInvalidRequest})
		return
	}

	row, err := h.store.CurrentRevision(c.Request.Context(), domain, logicalID)
	if err != nil {
		h.writeError(c, "current revision", err)
		return
	}
	h.writeOwnedRow(c, row)
}

// AtRevision handles GET /ledger/chains/:domain/:logical_id/revisions/:revision.
func (h *LedgerHandler) AtRevision(c *gin.Context) {
	domain, err := model.ParseDomain(c.Param("domain"))
	if err != nil {
		h.writeError(c, "revision lookup", err)
		return
	}
	rev, err := strconv.Atoi(c.Param("revision"))
	if err != nil || rev < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "revision must be a non-negative integer", "code": signer.CodeInvalidRequest})
		return
	}

	row, err := h.store.EventAtRevision(c.Request.Context(), domain, c.Param("logical_id"), rev)
	if err != nil {
		h.writeError(c, "revision lookup", err)
		return
	}
	h.writeOwnedRow(c, row)
}

// ListReceipts handles GET /ledger/receipts: the caller's receipts, newest first.
func (h *LedgerHandler) ListReceipts(c *gin.Context) {
	owner, _ := identity.OwnerFromGin(c)
	f := model.ReceiptFilter{
		OwnerUserID: owner.UserID,
		EventType:   c.Query("event_type"),
	}
	if d := c.Query("domain"); d != "" {
		domain, err := model.ParseDomain(d)
		if err != nil {
			h.writeError(c, "list receipts", err)
			return
		}
		f.Domain = domain
	}
	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp", "code": signer.CodeInvalidRequest})
			return
		}
		f.Since = since
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer", "code": signer.CodeInvalidRequest})
			return
		}
		f.Limit = n
	}

	receipts, err := h.receipts.ListReceipts(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, "list receipts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts, "count": len(receipts)})
}

// GetReceipt handles GET /ledger/receipts/:id.
func (h *LedgerHandler) GetReceipt(c *gin.Context) {
	owner, _ := identity.OwnerFromGin(c)
	r, err := h.receipts.GetReceiptByLedgerRowID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "get receipt", err)
		return
	}
	if r.Event.OwnerUserID != owner.UserID {
		h.writeError(c, "get receipt", model.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, r)
}

// VerifyReceipt handles GET /ledger/receipts/:id/verify. Anyone holding a
// row id may check its signature.
func (h *LedgerHandler) VerifyReceipt(c *gin.Context) {
	r, result, err := h.receipts.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "verify receipt", err)
		return
	}
	RecordVerification(result)

	resp := gin.H{
		"ledger_row_id": r.Event.ID,
		"valid":         result == verify.ResultOK,
		"result":        result,
	}
	if r.IsSigned() {
		resp["key_id"] = r.Signature.KeyID
		resp["signed_at"] = r.Signature.SignedAt
	}
	c.JSON(http.StatusOK, resp)
}

// Keys handles GET /ledger/keys: {keyId: base64 public key}.
func (h *LedgerHandler) Keys(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.keys.Encode())
}

func (h *LedgerHandler) writeOwnedRow(c *gin.Context, row *model.Event) {
	owner, _ := identity.OwnerFromGin(c)
	if row.OwnerUserID != owner.UserID {
		h.writeError(c, "read ledger row", model.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *LedgerHandler) publish(ctx context.Context, row *model.Event, signed bool) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishAppended(ctx, notify.NewAppended(row, signed)); err != nil {
		RecordNotify(false)
		h.logger.Warn("publish ledger notification", zap.String("ledger_row_id", row.ID), zap.Error(err))
		return
	}
	RecordNotify(true)
}

func (h *LedgerHandler) writeError(c *gin.Context, op string, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op, zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error", "code": code})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

// errorStatus maps ledger errors onto HTTP statuses and signer wire codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrDuplicateRevision):
		return http.StatusConflict, signer.CodeDuplicateRevision
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, signer.CodeNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, signer.CodeForbidden
	case errors.Is(err, model.ErrAuthRequired):
		return http.StatusUnauthorized, signer.CodeUnauthorized
	case errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, model.ErrInvalidPayload),
		errors.Is(err, model.ErrUnknownDomain),
		errors.Is(err, model.ErrUnknownOp):
		return http.StatusBadRequest, signer.CodeInvalidRequest
	}
	return http.StatusInternalServerError, signer.CodeInternal
}
