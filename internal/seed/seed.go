// Package seed bootstraps the default subscription tiers so a fresh
// install can sign users up without any admin setup.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
	"gorm.io/gorm"
)

type defaultTier struct {
	name        string
	displayName string
	priceCents  int64
	credits     int64
}

var defaultTiers = []defaultTier{
	{name: "free", displayName: "Free", priceCents: 0, credits: 500},
	{name: "pro", displayName: "Pro", priceCents: 1900, credits: 5000},
	{name: "pro_max", displayName: "Pro Max", priceCents: 3900, credits: 50000},
}

// EnsureDefaultTiers creates any missing default tier configs. Existing
// rows are left untouched so admin edits survive restarts.
func EnsureDefaultTiers(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tier := range defaultTiers {
			var count int64
			if err := tx.Model(&tierdomain.TierConfig{}).
				Where("tier_name = ?", tier.name).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			now := time.Now().UTC()
			cfg := tierdomain.TierConfig{
				ID:                      node.Generate(),
				TierName:                tier.name,
				DisplayName:             tier.displayName,
				MonthlyPriceCents:       tier.priceCents,
				MonthlyCreditAllocation: tier.credits,
				ConfigVersion:           1,
				LastModifiedBy:          "seed",
				CreatedAt:               now,
				UpdatedAt:               now,
			}
			if err := tx.Create(&cfg).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
