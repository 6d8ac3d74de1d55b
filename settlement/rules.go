package settlement

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/config"
	"github.com/tgshop/onchain-engine/db"
	"github.com/tgshop/onchain-engine/oaeerr"
)

type AddressValidator interface {
	ValidateAddress(chain, address string) error
}

type RuleInput struct {
	Chain              string
	DestinationAddress string
	PercentageBps      int
	Label              string
	MinThreshold       decimal.Decimal
	MaxAmount          decimal.NullDecimal
}

// Rules manages auto-settlement rules. Writes are serialized so the enabled
// basis points of a chain never exceed 100%.
type Rules struct {
	repo      *db.RuleRepository
	validator AddressValidator
	logger    *zap.SugaredLogger

	mu sync.Mutex
}

func NewRules(database *gorm.DB, validator AddressValidator, logger *zap.SugaredLogger) *Rules {
	return &Rules{
		repo:      db.NewRuleRepository(database),
		validator: validator,
		logger:    logger.Named("rules"),
	}
}

func (in *RuleInput) validate(validator AddressValidator) error {
	in.Chain = strings.TrimSpace(in.Chain)
	in.DestinationAddress = strings.TrimSpace(in.DestinationAddress)
	if in.Chain == "" || in.DestinationAddress == "" {
		return oaeerr.New(oaeerr.InvalidInput, "rules.add", "chain and destination are required")
	}
	if in.PercentageBps < 0 || in.PercentageBps > config.MaxBasisPoints {
		return oaeerr.New(oaeerr.InvalidInput, "rules.add", "percentageBps must be within 0..%d", config.MaxBasisPoints)
	}
	if len(in.Label) > 100 {
		return oaeerr.New(oaeerr.InvalidInput, "rules.add", "label too long")
	}
	if in.MinThreshold.IsNegative() {
		return oaeerr.New(oaeerr.InvalidInput, "rules.add", "minThreshold cannot be negative")
	}
	if in.MaxAmount.Valid && !in.MaxAmount.Decimal.IsPositive() {
		return oaeerr.New(oaeerr.InvalidInput, "rules.add", "maxAmount must be positive")
	}
	return validator.ValidateAddress(in.Chain, in.DestinationAddress)
}

// Add creates an enabled rule.
func (r *Rules) Add(ctx context.Context, in RuleInput) (*db.AutoSettlementRule, error) {
	if err := in.validate(r.validator); err != nil {
		return nil, err
	}
	rule := &db.AutoSettlementRule{
		Chain:              in.Chain,
		DestinationAddress: in.DestinationAddress,
		PercentageBps:      in.PercentageBps,
		Label:              in.Label,
		Enabled:            true,
		MinThreshold:       in.MinThreshold,
		MaxAmount:          in.MaxAmount,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.repo.WithContext(ctx).Transaction(func(repo *db.RuleRepository) error {
		sum, err := repo.SumEnabledBps(in.Chain, 0)
		if err != nil {
			return err
		}
		if sum+in.PercentageBps > config.MaxBasisPoints {
			return oaeerr.New(oaeerr.PolicyViolation, "rules.add",
				"enabled rules on %s would total %d bps", in.Chain, sum+in.PercentageBps)
		}
		return repo.Create(rule)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Infof("Added rule: %d, chain: %s, destination: %s, bps: %d", rule.Id, rule.Chain, rule.DestinationAddress, rule.PercentageBps)
	return rule, nil
}

func (r *Rules) List(chain string) ([]db.AutoSettlementRule, error) {
	return r.repo.List(chain)
}

func (r *Rules) SetEnabled(ctx context.Context, id uint64, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.repo.WithContext(ctx).Transaction(func(repo *db.RuleRepository) error {
		rule, err := repo.Get(id)
		if err != nil {
			return err
		}
		if enabled && !rule.Enabled {
			sum, err := repo.SumEnabledBps(rule.Chain, rule.Id)
			if err != nil {
				return err
			}
			if sum+rule.PercentageBps > config.MaxBasisPoints {
				return oaeerr.New(oaeerr.PolicyViolation, "rules.setEnabled",
					"enabled rules on %s would total %d bps", rule.Chain, sum+rule.PercentageBps)
			}
		}
		return repo.SetEnabled(id, enabled)
	})
	if err != nil {
		return err
	}
	r.logger.Infof("Rule %d enabled: %v", id, enabled)
	return nil
}
