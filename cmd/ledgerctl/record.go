package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/service"
)

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendPayload       string
	appendSource        string
	appendCorrelationID string
	appendOccurredAt    string
	appendEntityType    string
	appendEntityID      string
	appendCategory      string
	appendCityCode      string
	appendLocalityCode  string
	appendAtomicTSID    string
)

var appendCmd = &cobra.Command{
	Use:   "append <domain> <event-type>",
	Short: "Record revision 0 of a new logical thing",
	Long: `Append records a new logical thing and prints the resulting row.

  ledgerctl append payments payout_sent --payload '{"amount_cents":1250}' --source cli

A row without an id was queued in the outbox.`,
	Args: cobra.ExactArgs(2),
	RunE: runAppend,
}

func init() {
	f := appendCmd.Flags()
	f.StringVar(&appendPayload, "payload", "", "JSON object payload")
	f.StringVar(&appendSource, "source", "ledgerctl", "payload source tag")
	f.StringVar(&appendCorrelationID, "correlation-id", "", "optional correlation id")
	f.StringVar(&appendOccurredAt, "occurred-at", "", "RFC 3339 timestamp (default now)")
	f.StringVar(&appendEntityType, "entity-type", "", "indexing facet: entity type")
	f.StringVar(&appendEntityID, "entity-id", "", "indexing facet: entity id")
	f.StringVar(&appendCategory, "category", "", "indexing facet: category")
	f.StringVar(&appendCityCode, "city", "", "indexing facet: city code")
	f.StringVar(&appendLocalityCode, "locality", "", "indexing facet: locality code")
	f.StringVar(&appendAtomicTSID, "atomic-timestamp-id", "", "trusted time proof id")
}

func runAppend(cmd *cobra.Command, args []string) error {
	domain, err := model.ParseDomain(args[0])
	if err != nil {
		return err
	}
	payload, err := parsePayload(appendPayload)
	if err != nil {
		return err
	}
	occurred, err := parseTime(appendOccurredAt)
	if err != nil {
		return err
	}

	d, err := openDevice(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	row, err := d.recorder.Append(d.ctx(cmd.Context()), service.AppendRequest{
		Domain:            domain,
		EventType:         args[1],
		OccurredAt:        occurred,
		Payload:           payload,
		EntityType:        appendEntityType,
		EntityID:          appendEntityID,
		Category:          appendCategory,
		CityCode:          appendCityCode,
		LocalityCode:      appendLocalityCode,
		AtomicTimestampID: appendAtomicTSID,
		Source:            appendSource,
		CorrelationID:     appendCorrelationID,
	})
	if err != nil {
		return err
	}
	return printJSON(row)
}

// ── revise ───────────────────────────────────────────────────────────────────

var (
	revisePayload string
	reviseSource  string
	reviseOp      string
)

var reviseCmd = &cobra.Command{
	Use:   "revise <domain> <logical-id> <event-type>",
	Short: "Record the next revision of a logical thing",
	Long: `Revise appends the next revision of an existing logical id.

  ledgerctl revise payments 6f1c... payout_sent --op void --source cli

The event type must match the current revision's.`,
	Args: cobra.ExactArgs(3),
	RunE: runRevise,
}

func init() {
	f := reviseCmd.Flags()
	f.StringVar(&revisePayload, "payload", "", "JSON object payload")
	f.StringVar(&reviseSource, "source", "ledgerctl", "payload source tag")
	f.StringVar(&reviseOp, "op", string(model.OpAmend), "operation: assert, amend, void or restate")
}

func runRevise(cmd *cobra.Command, args []string) error {
	domain, err := model.ParseDomain(args[0])
	if err != nil {
		return err
	}
	op, err := model.ParseOp(reviseOp)
	if err != nil {
		return err
	}
	payload, err := parsePayload(revisePayload)
	if err != nil {
		return err
	}

	d, err := openDevice(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	row, err := d.recorder.AppendRevision(d.ctx(cmd.Context()), service.RevisionRequest{
		Domain:    domain,
		LogicalID: args[1],
		EventType: args[2],
		Op:        op,
		Payload:   payload,
		Source:    reviseSource,
	})
	if err != nil {
		return err
	}
	return printJSON(row)
}

// ── flush / outbox ───────────────────────────────────────────────────────────

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send queued writes to the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		n, err := d.recorder.FlushOutbox(cmd.Context())
		if err != nil {
			return err
		}
		left, err := d.recorder.PendingOutbox(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("written: %d, still queued: %d\n", n, len(left))
		return nil
	},
}

var outboxJSON bool

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List writes waiting in the outbox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		entries, err := d.recorder.PendingOutbox(cmd.Context())
		if err != nil {
			return err
		}
		if outboxJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("outbox is empty")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUED\tDOMAIN\tLOGICAL ID\tREV\tOP\tEVENT TYPE\tATTEMPTS\tLAST ERROR")
		for _, e := range entries {
			rev := fmt.Sprint(e.Insert.Revision)
			if e.Rebase {
				rev = "?"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				e.QueuedAt.Local().Format(time.DateTime), e.Insert.Domain, e.Insert.LogicalID, rev,
				e.Insert.Op, e.Insert.EventType, e.Attempts, e.LastError)
		}
		return w.Flush()
	},
}

func init() {
	outboxCmd.Flags().BoolVar(&outboxJSON, "json", false, "print entries as JSON")
}

func parsePayload(s string) (model.Payload, error) {
	if s == "" {
		return nil, nil
	}
	p, err := model.DecodePayload([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("--payload: %w", err)
	}
	return p, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--occurred-at: %w", err)
	}
	return t, nil
}
