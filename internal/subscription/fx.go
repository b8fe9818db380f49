package subscription

import (
	"github.com/quillora/quillbill/internal/subscription/service"
	"go.uber.org/fx"
)

// Module wires the subscription lifecycle service.
var Module = fx.Module("subscription.service",
	fx.Provide(service.NewService),
)
