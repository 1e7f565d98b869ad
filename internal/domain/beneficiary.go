package domain

import "time"

// BeneficiaryOrigin records how a trusted payee entered the registry.
type BeneficiaryOrigin string

const (
	BeneficiaryOriginBase       BeneficiaryOrigin = "base"       // bulk-loaded with the snapshot
	BeneficiaryOriginRegistered BeneficiaryOrigin = "registered" // explicit registration call
	BeneficiaryOriginTransfer   BeneficiaryOrigin = "transfer"   // saved after an opted-in transfer
)

// Beneficiary represents a customer's saved recipient. At most one exists per
// (OwnerID, AccountNumber).
type Beneficiary struct {
	OwnerID       string            `json:"owner_id" yaml:"owner_id"`
	AccountNumber string            `json:"account_number" yaml:"account_number"`
	DisplayName   string            `json:"display_name" yaml:"display_name"`
	Alias         string            `json:"alias" yaml:"alias"`
	Origin        BeneficiaryOrigin `json:"origin" yaml:"origin"`
	RegisteredOn  time.Time         `json:"registered_on" yaml:"registered_on"`
}
