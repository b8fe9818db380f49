package credit

import (
	"github.com/quillora/quillbill/internal/credit/service"
	"go.uber.org/fx"
)

// Module wires the credit ledger service.
var Module = fx.Module("credit.service",
	fx.Provide(service.NewService),
)
