// Package identity authenticates ledger writers.
//
// It provides:
//   - SessionIssuer issues and verifies EdDSA JWT session tokens
//   - ParseUnverified reads the owner out of a device's own token
//   - AgentAlias derives the routing alias stored as owner_agent_id
//   - WithOwner carries the authenticated owner through a context
//   - RequireSession is the Gin middleware in front of ledger writes
package identity
