package unlock

import (
	"context"
	"fmt"
)

// PricingService is the explicit owner of the unlock price singleton.
type PricingService struct {
	config PricingConfig
}

// NewPricingService wires a PricingService.
func NewPricingService(config PricingConfig) (*PricingService, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: pricing dependency is nil", ErrInvalidServiceConfig)
	}
	return &PricingService{config: config}, nil
}

// Initialize stores defaultPrice unless a price already exists and returns the effective price.
// It must run before the first unlock is served.
func (pricing *PricingService) Initialize(ctx context.Context, defaultPrice Coins) (Coins, error) {
	if defaultPrice < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCoins)
	}
	return pricing.config.InitPricing(ctx, defaultPrice)
}

// Current returns the unlock price.
func (pricing *PricingService) Current(ctx context.Context) (Coins, error) {
	return pricing.config.UnlockPrice(ctx)
}

// Set replaces the unlock price.
func (pricing *PricingService) Set(ctx context.Context, price Coins) error {
	if price < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidCoins)
	}
	return pricing.config.SetUnlockPrice(ctx, price)
}
