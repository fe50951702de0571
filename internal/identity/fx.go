package identity

import (
	"github.com/smallbiznis/applykit/internal/identity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("identity",
	fx.Provide(service.NewJWTVerifier),
)

// SyncModule is used by the ops CLI only.
var SyncModule = fx.Module("identity.sync",
	fx.Provide(service.NewHTTPDirectory),
	fx.Provide(service.NewSyncer),
)
