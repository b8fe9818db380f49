package audit

import (
	"github.com/quillora/quillbill/internal/audit/repository"
	"github.com/quillora/quillbill/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
