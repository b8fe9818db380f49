package migration

import (
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	pricingdomain "github.com/quillora/quillbill/internal/pricing/domain"
	subscriptiondomain "github.com/quillora/quillbill/internal/subscription/domain"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
	usagedomain "github.com/quillora/quillbill/internal/tokenusage/domain"
	"gorm.io/gorm"
)

// autoMigrate covers the non-postgres dialects, where the embedded SQL
// migrations do not apply. Local development mostly runs sqlite.
func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&creditdomain.CreditBalance{},
		&creditdomain.CreditAllocation{},
		&creditdomain.LedgerEntry{},
		&usagedomain.TokenUsage{},
		&pricingdomain.PricingConfig{},
		&tierdomain.TierConfig{},
		&tierdomain.TierConfigHistory{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.ProrationEvent{},
		&auditdomain.AuditRecord{},
	)
}
