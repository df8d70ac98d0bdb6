// Package client is the Go SDK for the ledger backend.
//
// A Client talks to ledgerd over HTTP with a session token. It implements the
// store side of the device recorder, so a device wires it straight into
// service.NewRecorder:
//
//	c, err := client.New("https://ledger.example.com", client.WithBearerToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rec := service.NewRecorder(c, queue, clockwork.NewRealClock(), logger)
//	rec.SetSigner(signer.New(c.SignerURL(), logger, signer.WithBearerToken(token)))
//
// # Errors
//
// Transport failures, 5xx and 429 responses wrap model.ErrNetworkUnavailable,
// which the recorder treats as "queue and retry later". Other statuses map
// onto the ledger's sentinel errors:
//
//	400 → model.ErrInvalidEvent
//	401 → model.ErrAuthRequired
//	403 → model.ErrForbidden
//	404 → model.ErrNotFound
//	409 → model.ErrDuplicateRevision
//
// # Receipts
//
//	receipts, err := c.ListReceipts(ctx, model.ReceiptFilter{Domain: model.DomainPayments, Limit: 20})
//	res, err := c.VerifyReceipt(ctx, receipts[0].Event.ID) // server-side check
//
// For an independent check, fetch the key table with Keys and verify locally
// with verify.New.
package client
