package pricing

import (
	"github.com/quillora/quillbill/internal/pricing/service"
	"go.uber.org/fx"
)

// Module wires the pricing resolver.
var Module = fx.Module("pricing.service",
	fx.Provide(service.NewService),
)
