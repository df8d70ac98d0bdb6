package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/identity"
	"github.com/jmerrifield20/eventledger/internal/ledger/signer"
)

// SigningRPC handles POST /rpc/ledger-receipts.
//
// append_signed writes the insert and signs it in one call; sign_existing
// signs a row that was written without a signature. Both are idempotent.
func (h *LedgerHandler) SigningRPC(c *gin.Context) {
	if h.authority == nil {
		c.JSON(http.StatusServiceUnavailable, signer.Response{Error: "signing is not configured", Code: signer.CodeInternal})
		return
	}
	owner, _ := identity.OwnerFromGin(c)

	var req signer.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rpcError(c, "invalid", http.StatusBadRequest, signer.CodeInvalidRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	switch req.Action {
	case signer.ActionAppendSigned:
		if req.Insert == nil {
			h.rpcError(c, req.Action, http.StatusBadRequest, signer.CodeInvalidRequest, "insert is required")
			return
		}
		row, sig, err := h.authority.AppendSigned(ctx, owner, req.Insert)
		if err != nil {
			status, code := errorStatus(err)
			h.rpcFailure(c, req.Action, status, code, err)
			return
		}
		RecordSignature(req.Action, "ok")
		RecordRowAppended(row.Domain, true)
		h.publish(ctx, row, true)
		c.JSON(http.StatusOK, signer.Response{OK: true, Row: row, SignatureRow: sig})

	case signer.ActionSignExisting:
		if req.LedgerRowID == "" {
			h.rpcError(c, req.Action, http.StatusBadRequest, signer.CodeInvalidRequest, "ledger_row_id is required")
			return
		}
		sig, err := h.authority.SignExisting(ctx, owner, req.LedgerRowID)
		if err != nil {
			status, code := errorStatus(err)
			h.rpcFailure(c, req.Action, status, code, err)
			return
		}
		RecordSignature(req.Action, "ok")
		c.JSON(http.StatusOK, signer.Response{OK: true, SignatureRow: sig})

	default:
		h.rpcError(c, "unknown", http.StatusBadRequest, signer.CodeInvalidRequest, "unknown action "+req.Action)
	}
}

func (h *LedgerHandler) rpcFailure(c *gin.Context, action string, status int, code string, err error) {
	if status == http.StatusInternalServerError {
		h.logger.Error("signing rpc", zap.String("action", action), zap.Error(err))
		h.rpcError(c, action, status, code, "internal error")
		return
	}
	h.rpcError(c, action, status, code, err.Error())
}

func (h *LedgerHandler) rpcError(c *gin.Context, action string, status int, code, msg string) {
	RecordSignature(action, code)
	c.JSON(status, signer.Response{Error: msg, Code: code})
}
