package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/jmerrifield20/eventledger/internal/identity"
	"github.com/jmerrifield20/eventledger/internal/ledger/authority"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/verify"
)

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen [key-id]",
	Short: "Generate an Ed25519 signing key for ledgerd",
	Long: `Keygen prints a new signing key. Put private_key into ledgerd's
authority.private_key and distribute public_key to verifiers.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := "k1"
		if len(args) == 1 {
			id = args[0]
		}
		key, err := authority.GenerateKey(id)
		if err != nil {
			return err
		}
		table := verify.KeyTable{key.ID: key.Public()}.Encode()
		return printJSON(map[string]string{
			"key_id":      key.ID,
			"private_key": key.EncodeSeed(),
			"public_key":  table[key.ID],
		})
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSessionKey string
	tokenIssuer     string
	tokenUser       string
	tokenAgent      string
	tokenTTL        time.Duration
	tokenAlias      string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development session token",
	Long: `Token signs a session token with ledgerd's identity.session_key. It is meant
for development setups; production sessions come from the login service.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := base64.StdEncoding.DecodeString(tokenSessionKey)
		if err != nil || len(seed) != ed25519.SeedSize {
			return fmt.Errorf("--session-key must be a base64 %d-byte seed", ed25519.SeedSize)
		}
		issuer := identity.NewSessionIssuer(ed25519.NewKeyFromSeed(seed), tokenIssuer, tokenTTL,
			[]byte(tokenAlias), clockwork.NewRealClock())
		token, err := issuer.Issue(model.Owner{UserID: tokenUser, AgentID: tokenAgent})
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenSessionKey, "session-key", "", "base64 Ed25519 seed (ledgerd identity.session_key)")
	f.StringVar(&tokenIssuer, "issuer", "http://localhost:8080", "issuer URL")
	f.StringVar(&tokenUser, "user", "", "owner user id")
	f.StringVar(&tokenAgent, "agent", "", "owner agent id (derived from --alias-secret when empty)")
	f.StringVar(&tokenAlias, "alias-secret", "", "alias secret (ledgerd identity.alias_secret)")
	f.DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("session-key")
	_ = tokenCmd.MarkFlagRequired("user")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}

func printJSONLine(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
