package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

// BeneficiaryRegistry manages an owner's trusted payees and resolves free-text recipient
// references against them.
type BeneficiaryRegistry struct {
	repo      store.Repository
	directory *AccountDirectory
	publisher rabbitmq.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewBeneficiaryRegistry creates a registry. publisher and logger may be nil.
func NewBeneficiaryRegistry(repo store.Repository, directory *AccountDirectory, publisher rabbitmq.Publisher, logger *zap.Logger) *BeneficiaryRegistry {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BeneficiaryRegistry{
		repo:      repo,
		directory: directory,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "beneficiary_registry")),
		now:       time.Now,
	}
}

// List returns the owner's beneficiaries, base layer first.
func (b *BeneficiaryRegistry) List(ctx context.Context, ownerID string) ([]domain.Beneficiary, error) {
	beneficiaries, err := b.repo.FindBeneficiariesByOwner(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, err
	}
	if beneficiaries == nil {
		beneficiaries = []domain.Beneficiary{}
	}
	return beneficiaries, nil
}

// Resolve maps a reference to exactly one of the owner's beneficiaries. Matching order:
// exact account number, then exact alias, then a unique display-name substring. Alias and
// name comparisons ignore case. More than one candidate at the deciding step is
// ErrAmbiguousRecipient; nothing at all is ErrBeneficiaryNotFound.
func (b *BeneficiaryRegistry) Resolve(ctx context.Context, ownerID, reference string) (*domain.Beneficiary, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return nil, domain.ErrBeneficiaryNotFound
	}
	beneficiaries, err := b.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return resolveBeneficiary(beneficiaries, ref)
}

func resolveBeneficiary(beneficiaries []domain.Beneficiary, ref string) (*domain.Beneficiary, error) {
	for i := range beneficiaries {
		if beneficiaries[i].AccountNumber == ref {
			found := beneficiaries[i]
			return &found, nil
		}
	}

	lowered := strings.ToLower(ref)
	var aliasMatches []domain.Beneficiary
	for _, candidate := range beneficiaries {
		if candidate.Alias != "" && strings.ToLower(strings.TrimSpace(candidate.Alias)) == lowered {
			aliasMatches = append(aliasMatches, candidate)
		}
	}
	switch len(aliasMatches) {
	case 0:
	case 1:
		return &aliasMatches[0], nil
	default:
		return nil, domain.ErrAmbiguousRecipient
	}

	var nameMatches []domain.Beneficiary
	for _, candidate := range beneficiaries {
		if strings.Contains(strings.ToLower(candidate.DisplayName), lowered) {
			nameMatches = append(nameMatches, candidate)
		}
	}
	switch len(nameMatches) {
	case 0:
		return nil, domain.ErrBeneficiaryNotFound
	case 1:
		return &nameMatches[0], nil
	default:
		return nil, domain.ErrAmbiguousRecipient
	}
}

// Register adds a payee for the owner. The account number must exist; an empty display
// name defaults to the account holder's name. Registering an existing payee returns
// ErrAlreadyRegistered and writes nothing.
func (b *BeneficiaryRegistry) Register(ctx context.Context, ownerID, accountNumber, displayName, alias string) (*domain.Beneficiary, error) {
	ownerID = strings.TrimSpace(ownerID)
	accountNumber = strings.TrimSpace(accountNumber)
	if ownerID == "" || accountNumber == "" {
		return nil, domain.ErrAccountNotFound
	}

	account, err := b.directory.AccountByNumber(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = account.HolderName
	}

	beneficiary := domain.Beneficiary{
		OwnerID:       ownerID,
		AccountNumber: account.AccountNumber,
		DisplayName:   displayName,
		Alias:         strings.TrimSpace(alias),
		Origin:        domain.BeneficiaryOriginRegistered,
		RegisteredOn:  b.now().UTC(),
	}
	if err := b.repo.CreateBeneficiary(ctx, beneficiary); err != nil {
		if errors.Is(err, domain.ErrAlreadyRegistered) {
			b.logger.Info("beneficiary already registered",
				zap.String("owner_id", ownerID),
				zap.String("account_number", accountNumber),
				zap.String("outcome", "noop"))
		}
		return nil, err
	}

	b.logger.Info("beneficiary registered",
		zap.String("owner_id", ownerID),
		zap.String("account_number", accountNumber),
		zap.String("outcome", "success"))
	b.announce(ctx, beneficiary)
	return &beneficiary, nil
}

// Remove deletes a payee from the owner's merged list.
func (b *BeneficiaryRegistry) Remove(ctx context.Context, ownerID, accountNumber string) error {
	ownerID = strings.TrimSpace(ownerID)
	accountNumber = strings.TrimSpace(accountNumber)
	if err := b.repo.DeleteBeneficiary(ctx, ownerID, accountNumber, b.now().UTC()); err != nil {
		return err
	}
	b.logger.Info("beneficiary removed",
		zap.String("owner_id", ownerID),
		zap.String("account_number", accountNumber),
		zap.String("outcome", "success"))
	return nil
}

func (b *BeneficiaryRegistry) announce(ctx context.Context, beneficiary domain.Beneficiary) {
	err := b.publisher.PublishBeneficiaryRegistered(ctx, rabbitmq.BeneficiaryRegisteredEvent{
		OwnerID:       beneficiary.OwnerID,
		AccountNumber: beneficiary.AccountNumber,
		DisplayName:   beneficiary.DisplayName,
		Origin:        string(beneficiary.Origin),
		RegisteredOn:  beneficiary.RegisteredOn,
	})
	if err != nil {
		b.logger.Warn("beneficiary event publish failed",
			zap.String("owner_id", beneficiary.OwnerID),
			zap.String("account_number", beneficiary.AccountNumber),
			zap.Error(err))
	}
}
