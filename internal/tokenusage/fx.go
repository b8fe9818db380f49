package tokenusage

import (
	"github.com/quillora/quillbill/internal/tokenusage/service"
	"go.uber.org/fx"
)

// Module wires the token usage recorder.
var Module = fx.Module("tokenusage.service",
	fx.Provide(service.NewService),
)
