// Package model defines the ledger's value types: the append-only journal row
// (Event), its optional signature, the receipt that pairs them, and the outbox
// entry used for writes that have not reached the backend yet.
//
// Rows are never updated or deleted. A logical thing is tracked by LogicalID;
// each accepted change is a new row with Revision+1 whose SupersedesID points
// at the previous row. Retraction is a new revision with Op == OpVoid.
package model
