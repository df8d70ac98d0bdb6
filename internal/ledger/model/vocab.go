package model

import (
	"encoding/json"
	"fmt"
)

// Domain partitions unrelated event streams. The set is closed: values outside
// it are rejected at every decode boundary rather than coerced.
type Domain string

const (
	DomainExpertise      Domain = "expertise"
	DomainPayments       Domain = "payments"
	DomainModeration     Domain = "moderation"
	DomainIdentity       Domain = "identity"
	DomainSecurity       Domain = "security"
	DomainGeoExpansion   Domain = "geo_expansion"
	DomainModelLifecycle Domain = "model_lifecycle"
)

var domains = map[Domain]struct{}{
	DomainExpertise:      {},
	DomainPayments:       {},
	DomainModeration:     {},
	DomainIdentity:       {},
	DomainSecurity:       {},
	DomainGeoExpansion:   {},
	DomainModelLifecycle: {},
}

// ParseDomain converts a wire value into a Domain.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if _, ok := domains[d]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, s)
	}
	return d, nil
}

// Valid reports whether d is a member of the closed domain set.
func (d Domain) Valid() bool {
	_, ok := domains[d]
	return ok
}

func (d Domain) String() string { return string(d) }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Domain) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("domain: %w", err)
	}
	parsed, err := ParseDomain(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Op tags the semantics of a revision.
type Op string

const (
	OpAssert  Op = "assert"
	OpAmend   Op = "amend"
	OpVoid    Op = "void"
	OpRestate Op = "restate"
)

// ParseOp converts a wire value into an Op.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpAssert, OpAmend, OpVoid, OpRestate:
		return Op(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// Valid reports whether o is a known op.
func (o Op) Valid() bool {
	_, err := ParseOp(string(o))
	return err == nil
}

func (o Op) String() string { return string(o) }

// UnmarshalJSON implements json.Unmarshaler.
func (o *Op) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("op: %w", err)
	}
	parsed, err := ParseOp(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
