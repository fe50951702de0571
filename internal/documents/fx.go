package documents

import (
	"github.com/smallbiznis/applykit/internal/documents/service"
	"go.uber.org/fx"
)

var Module = fx.Module("documents",
	fx.Provide(service.NewService),
)
