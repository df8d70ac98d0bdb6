package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/verify"
)

const (
	DefaultReceiptLimit = 50
	MaxReceiptLimit     = 500
)

// ReceiptReader is the read side of the ledger.
type ReceiptReader interface {
	ListReceipts(ctx context.Context, f model.ReceiptFilter) ([]*model.Receipt, error)
	GetReceipt(ctx context.Context, ledgerRowID string) (*model.Receipt, error)
}

// ExistingSigner signs a row that was written without a signature.
type ExistingSigner interface {
	SignExisting(ctx context.Context, ledgerRowID string) (*model.ReceiptSignature, error)
}

// ReceiptService reads receipts, backfills signatures and verifies them.
type ReceiptService struct {
	reader   ReceiptReader
	signer   ExistingSigner // nil = SignExisting fails with ErrSignerUnavailable
	verifier *verify.Verifier
	logger   *zap.Logger
}

// NewReceiptService creates a ReceiptService.
func NewReceiptService(reader ReceiptReader, verifier *verify.Verifier, logger *zap.Logger) *ReceiptService {
	return &ReceiptService{reader: reader, verifier: verifier, logger: logger}
}

// SetSigner enables signature backfill.
func (s *ReceiptService) SetSigner(signer ExistingSigner) { s.signer = signer }

// ListReceipts returns receipts newest first. The limit defaults to
// DefaultReceiptLimit and is capped at MaxReceiptLimit.
func (s *ReceiptService) ListReceipts(ctx context.Context, f model.ReceiptFilter) ([]*model.Receipt, error) {
	f.Limit = ClampLimit(f.Limit)
	if f.Domain != "" && !f.Domain.Valid() {
		return nil, model.ErrUnknownDomain
	}
	return s.reader.ListReceipts(ctx, f)
}

// GetReceiptByLedgerRowID returns one receipt or model.ErrNotFound.
func (s *ReceiptService) GetReceiptByLedgerRowID(ctx context.Context, ledgerRowID string) (*model.Receipt, error) {
	if ledgerRowID == "" {
		return nil, model.ErrNotFound
	}
	return s.reader.GetReceipt(ctx, ledgerRowID)
}

// SignExisting returns the row's signature, creating it if needed. It is safe
// to call repeatedly: a row that is already signed keeps its signature.
func (s *ReceiptService) SignExisting(ctx context.Context, ledgerRowID string) (*model.ReceiptSignature, error) {
	r, err := s.GetReceiptByLedgerRowID(ctx, ledgerRowID)
	if err != nil {
		return nil, err
	}
	if r.IsSigned() {
		return r.Signature, nil
	}
	if s.signer == nil {
		return nil, model.ErrSignerUnavailable
	}

	sig, err := s.signer.SignExisting(ctx, ledgerRowID)
	if err == nil {
		return sig, nil
	}
	// A concurrent caller may have signed the row between our read and call.
	if again, gerr := s.reader.GetReceipt(ctx, ledgerRowID); gerr == nil && again.IsSigned() {
		return again.Signature, nil
	}
	s.logger.Warn("sign existing ledger row failed",
		zap.String("ledger_row_id", ledgerRowID),
		zap.Error(err),
	)
	return nil, err
}

// Verify fetches a receipt and checks its signature against the key table.
func (s *ReceiptService) Verify(ctx context.Context, ledgerRowID string) (*model.Receipt, verify.Result, error) {
	r, err := s.GetReceiptByLedgerRowID(ctx, ledgerRowID)
	if err != nil {
		return nil, "", err
	}
	return r, s.verifier.Check(r), nil
}

// ClampLimit applies the default and maximum listing limits.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultReceiptLimit
	case n > MaxReceiptLimit:
		return MaxReceiptLimit
	}
	return n
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, model.ErrNetworkUnavailable) || errors.Is(err, model.ErrSignerUnavailable)
}
