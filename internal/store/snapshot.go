package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/transfa/transfer-service/internal/domain"
	"gopkg.in/yaml.v3"
)

// Snapshot is the immutable base layer loaded at start-up: opening balances and the
// bulk-loaded trusted payees.
type Snapshot struct {
	Accounts      []domain.Account     `yaml:"accounts"`
	Beneficiaries []domain.Beneficiary `yaml:"beneficiaries"`
}

// LoadSnapshot reads a YAML seed file. An empty path yields an empty snapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	var snapshot Snapshot
	if strings.TrimSpace(path) == "" {
		return snapshot, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return snapshot, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &snapshot); err != nil {
		return snapshot, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if err := snapshot.Validate(); err != nil {
		return snapshot, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return snapshot, nil
}

// Validate enforces the uniqueness and balance invariants of the base layer.
func (s *Snapshot) Validate() error {
	ids := make(map[string]struct{}, len(s.Accounts))
	numbers := make(map[string]struct{}, len(s.Accounts))
	for i := range s.Accounts {
		account := &s.Accounts[i]
		account.ID = strings.TrimSpace(account.ID)
		account.AccountNumber = strings.TrimSpace(account.AccountNumber)
		if account.ID == "" || account.AccountNumber == "" || account.OwnerID == "" {
			return fmt.Errorf("account #%d: account_id, account_number and owner_id are required", i)
		}
		if _, dup := ids[account.ID]; dup {
			return fmt.Errorf("duplicate account_id %s", account.ID)
		}
		if _, dup := numbers[account.AccountNumber]; dup {
			return fmt.Errorf("duplicate account_number %s", account.AccountNumber)
		}
		ids[account.ID] = struct{}{}
		numbers[account.AccountNumber] = struct{}{}
		if account.AvailableBalance < 0 || account.LedgerBalance < 0 {
			return fmt.Errorf("account %s: negative balance", account.ID)
		}
		if account.AvailableBalance > account.LedgerBalance {
			return fmt.Errorf("account %s: available balance exceeds ledger balance", account.ID)
		}
	}

	payees := make(map[beneficiaryKey]struct{}, len(s.Beneficiaries))
	for i := range s.Beneficiaries {
		b := &s.Beneficiaries[i]
		b.AccountNumber = strings.TrimSpace(b.AccountNumber)
		if b.OwnerID == "" || b.AccountNumber == "" {
			return fmt.Errorf("beneficiary #%d: owner_id and account_number are required", i)
		}
		key := beneficiaryKey{ownerID: b.OwnerID, accountNumber: b.AccountNumber}
		if _, dup := payees[key]; dup {
			return fmt.Errorf("duplicate beneficiary %s for owner %s", b.AccountNumber, b.OwnerID)
		}
		payees[key] = struct{}{}
		b.Origin = domain.BeneficiaryOriginBase
	}
	return nil
}

type beneficiaryKey struct {
	ownerID       string
	accountNumber string
}
