package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// AgentAlias derives the privacy-preserving routing alias recorded as a row's
// owner_agent_id. The same secret and user id always give the same alias.
func AgentAlias(secret []byte, userID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("ledger-agent-alias:"))
	mac.Write([]byte(userID))
	return "agt_" + hex.EncodeToString(mac.Sum(nil))[:32]
}
