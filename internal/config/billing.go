package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries the billing policy knobs that operators tune
// without redeploying: the USD value of one credit, the fallback margin
// multiplier, and the bounds enforced on tier credit updates.
type BillingConfig struct {
	CreditUnitMicros        int64   `mapstructure:"creditUnitMicros"`
	DefaultMarginMultiplier float64 `mapstructure:"defaultMarginMultiplier"`
	TierCreditMin           int64   `mapstructure:"tierCreditMin"`
	TierCreditMax           int64   `mapstructure:"tierCreditMax"`
	ChangeReasonMinLength   int     `mapstructure:"changeReasonMinLength"`
	ChangeReasonMaxLength   int     `mapstructure:"changeReasonMaxLength"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CreditUnitMicros:        1_000, // 1 credit = $0.001
		DefaultMarginMultiplier: 1.5,
		TierCreditMin:           100,
		TierCreditMax:           10_000_000,
		ChangeReasonMinLength:   10,
		ChangeReasonMaxLength:   500,
	}
}

// BillingConfigHolder exposes the current billing policy with hot reload.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/quillbill/config")
	v.AddConfigPath("/etc/quillbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("QUILLBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.creditUnitMicros", defaults.CreditUnitMicros)
	v.SetDefault("billing.defaultMarginMultiplier", defaults.DefaultMarginMultiplier)
	v.SetDefault("billing.tierCreditMin", defaults.TierCreditMin)
	v.SetDefault("billing.tierCreditMax", defaults.TierCreditMax)
	v.SetDefault("billing.changeReasonMinLength", defaults.ChangeReasonMinLength)
	v.SetDefault("billing.changeReasonMaxLength", defaults.ChangeReasonMaxLength)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfigHolder returns a holder with a fixed config, for tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.CreditUnitMicros <= 0 {
		return errors.New("billing.creditUnitMicros must be positive")
	}
	if cfg.DefaultMarginMultiplier < 1 {
		return errors.New("billing.defaultMarginMultiplier must be >= 1")
	}
	if cfg.TierCreditMin < 0 || cfg.TierCreditMax <= cfg.TierCreditMin {
		return errors.New("billing.tierCredit bounds are inconsistent")
	}
	if cfg.ChangeReasonMinLength < 0 || cfg.ChangeReasonMaxLength <= cfg.ChangeReasonMinLength {
		return errors.New("billing.changeReason bounds are inconsistent")
	}
	return nil
}
