package decision

import (
	"github.com/shopspring/decimal"
)

// Subject categories with a declared schema.
const (
	CategoryTransaction = "transaction"
	CategoryResource    = "resource"
	CategoryDocument    = "document"
)

// TransactionSubject is the schema for financial transaction subjects.
// Amounts are decimal strings, never floats, so canonical encoding and
// rule arithmetic stay exact.
type TransactionSubject struct {
	ID           string            `json:"id" validate:"required"`
	Account      string            `json:"account" validate:"required"`
	Counterparty string            `json:"counterparty" validate:"required"`
	Amount       decimal.Decimal   `json:"amount" validate:"required"`
	Currency     string            `json:"currency" validate:"required,iso4217"`
	Type         string            `json:"type" validate:"required,oneof=payment transfer withdrawal deposit"`
	Reference    string            `json:"reference,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ResourceSubject is the schema for infrastructure resource subjects.
type ResourceSubject struct {
	Name   string            `json:"name" validate:"required,hostname_rfc1123"`
	Kind   string            `json:"kind" validate:"required,oneof=compute storage network database"`
	Region string            `json:"region" validate:"required"`
	Owner  string            `json:"owner" validate:"required,email"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// DocumentSubject is the schema for configuration document subjects.
type DocumentSubject struct {
	Title          string `json:"title" validate:"required"`
	Author         string `json:"author" validate:"required"`
	Classification string `json:"classification" validate:"required,oneof=public internal confidential restricted"`
	ContentHash    string `json:"content_hash,omitempty" validate:"omitempty,startswith=sha256:"`
}

// check returns schema-specific violations validator tags cannot
// express.
func (s *TransactionSubject) check() []Violation {
	var out []Violation
	if !s.Amount.IsZero() && s.Amount.IsNegative() {
		out = append(out, Violation{
			Field:   "amount",
			Rule:    "positive",
			Message: "field 'amount' must be a positive decimal",
		})
	}
	return out
}
