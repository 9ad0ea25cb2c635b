package models

import (
	"fmt"
	"strings"
)

// AccessClass is the closed set of access classifications a content item can carry
type AccessClass string

const (
	AccessFree            AccessClass = "free"
	AccessVaultRestricted AccessClass = "vault_restricted"
	AccessPaid            AccessClass = "paid"
)

// ParseAccessClass validates a loosely typed classification value.
// Unknown values are rejected; there is no fallback class.
func ParseAccessClass(raw string) (AccessClass, error) {
	c := AccessClass(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown access classification %q", ErrValidationFailed, raw)
	}
	return c, nil
}

// Valid reports whether c is exactly one of the known classes
func (c AccessClass) Valid() bool {
	switch c {
	case AccessFree, AccessVaultRestricted, AccessPaid:
		return true
	}
	return false
}

// Decision is the result of classifying a requester against a content item
type Decision string

const (
	DecisionDenied                Decision = "denied"
	DecisionAllowDirect           Decision = "allow_direct"
	DecisionAllowViaExternalVault Decision = "allow_via_external_vault"
)

// ContentItem is the read-only view of a catalogue entry
type ContentItem struct {
	ID               string      `json:"id" yaml:"id"`
	Title            string      `json:"title,omitempty" yaml:"title"`
	Access           AccessClass `json:"access_classification" yaml:"access_classification"`
	Price            int64       `json:"price" yaml:"price"`
	Currency         string      `json:"currency,omitempty" yaml:"currency"`
	VaultReference   string      `json:"external_vault_reference,omitempty" yaml:"external_vault_reference"`
	StorageReference string      `json:"storage_reference,omitempty" yaml:"storage_reference"`
}

// Validate checks the classification and the fields that depend on it
func (c ContentItem) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: content item id is required", ErrValidationFailed)
	}
	if !c.Access.Valid() {
		return fmt.Errorf("%w: content item %s has unknown access classification %q", ErrValidationFailed, c.ID, c.Access)
	}
	if c.Price < 0 {
		return fmt.Errorf("%w: content item %s has a negative price", ErrValidationFailed, c.ID)
	}
	if c.Price > 0 && c.Access != AccessPaid {
		return fmt.Errorf("%w: content item %s is priced but not paid", ErrValidationFailed, c.ID)
	}
	if c.Access == AccessPaid && c.Price == 0 {
		return fmt.Errorf("%w: paid content item %s has no price", ErrValidationFailed, c.ID)
	}
	if c.VaultReference != "" && c.Access != AccessVaultRestricted {
		return fmt.Errorf("%w: content item %s carries a vault reference but is not vault restricted", ErrValidationFailed, c.ID)
	}
	if c.Access == AccessVaultRestricted && strings.TrimSpace(c.VaultReference) == "" {
		return fmt.Errorf("%w: vault restricted content item %s has no vault reference", ErrValidationFailed, c.ID)
	}
	return nil
}

// Deliverable reports whether bytes for this item may be handed out after a token redemption
func (c ContentItem) Deliverable() bool {
	return c.Access == AccessFree || c.Access == AccessPaid
}
