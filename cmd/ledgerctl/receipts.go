package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/service"
	"github.com/jmerrifield20/eventledger/internal/ledger/signer"
	"github.com/jmerrifield20/eventledger/internal/ledger/verify"
)

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "List, fetch, sign and verify receipts",
}

func init() {
	receiptsCmd.AddCommand(receiptsListCmd, receiptsGetCmd, receiptsSignCmd, receiptsVerifyCmd)
}

// receiptService builds a query service over the backend. The verifier uses
// the key table the backend publishes, merged with any build-time key.
func receiptService(cmd *cobra.Command) (*service.ReceiptService, error) {
	logger := newLogger()
	c, token, err := newClient()
	if err != nil {
		return nil, err
	}
	raw, err := c.Keys(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("fetch key table: %w", err)
	}
	published, err := verify.ParseKeyTable(raw)
	if err != nil {
		return nil, err
	}
	keys, err := verify.DefaultKeyTable(published)
	if err != nil {
		return nil, err
	}

	svc := service.NewReceiptService(c, verify.New(keys), logger)
	if token != "" {
		svc.SetSigner(signer.New(c.SignerURL(), logger, signer.WithBearerToken(token)))
	}
	return svc, nil
}

// ── receipts list ────────────────────────────────────────────────────────────

var (
	listDomain    string
	listEventType string
	listSince     time.Duration
	listLimit     int
	listJSON      bool
)

var receiptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your receipts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := model.ReceiptFilter{EventType: listEventType, Limit: listLimit}
		if listDomain != "" {
			d, err := model.ParseDomain(listDomain)
			if err != nil {
				return err
			}
			f.Domain = d
		}
		if listSince > 0 {
			f.Since = time.Now().Add(-listSince)
		}

		svc, err := receiptService(cmd)
		if err != nil {
			return err
		}
		receipts, err := svc.ListReceipts(cmd.Context(), f)
		if err != nil {
			return err
		}
		if listJSON {
			return printJSON(receipts)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CREATED\tDOMAIN\tEVENT TYPE\tREV\tOP\tSIGNED\tLEDGER ROW ID")
		for _, r := range receipts {
			signed := "no"
			if r.IsSigned() {
				signed = r.Signature.KeyID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				r.Event.CreatedAt.Local().Format(time.DateTime), r.Event.Domain, r.Event.EventType,
				r.Event.Revision, r.Event.Op, signed, r.Event.ID)
		}
		return w.Flush()
	},
}

func init() {
	f := receiptsListCmd.Flags()
	f.StringVar(&listDomain, "domain", "", "only this domain")
	f.StringVar(&listEventType, "event-type", "", "only this event type")
	f.DurationVar(&listSince, "since", 0, "only receipts created within this window (e.g. 24h)")
	f.IntVar(&listLimit, "limit", service.DefaultReceiptLimit, "maximum number of receipts")
	f.BoolVar(&listJSON, "json", false, "print receipts as JSON")
}

// ── receipts get / sign / verify ─────────────────────────────────────────────

var receiptsGetCmd = &cobra.Command{
	Use:   "get <ledger-row-id>",
	Short: "Show one receipt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := receiptService(cmd)
		if err != nil {
			return err
		}
		r, err := svc.GetReceiptByLedgerRowID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(r)
	},
}

var receiptsSignCmd = &cobra.Command{
	Use:   "sign <ledger-row-id>",
	Short: "Attach a signature to a row that was written unsigned",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := receiptService(cmd)
		if err != nil {
			return err
		}
		sig, err := svc.SignExisting(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(sig)
	},
}

var receiptsVerifyCmd = &cobra.Command{
	Use:   "verify <ledger-row-id>",
	Short: "Verify a receipt locally against the published keys",
	Long: `Verify fetches the receipt and checks it on this machine: the signed bytes
must match the row's canonical form, hash and Ed25519 signature. The command
exits non-zero when the receipt does not verify.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := receiptService(cmd)
		if err != nil {
			return err
		}
		r, res, err := svc.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		keyID := ""
		if r.IsSigned() {
			keyID = r.Signature.KeyID
		}
		fmt.Printf("%s\t%s\tkey=%s\n", r.Event.ID, res, keyID)
		if res != verify.ResultOK {
			return fmt.Errorf("receipt %s does not verify: %s", r.Event.ID, res)
		}
		return nil
	},
}
