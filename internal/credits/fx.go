package credits

import (
	"github.com/smallbiznis/applykit/internal/credits/repository"
	"github.com/smallbiznis/applykit/internal/credits/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credits.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
