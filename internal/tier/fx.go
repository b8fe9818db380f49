package tier

import (
	"github.com/quillora/quillbill/internal/tier/service"
	"go.uber.org/fx"
)

// Module wires the tier credit upgrade engine.
var Module = fx.Module("tier.service",
	fx.Provide(service.NewService),
)
