package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/applykit/internal/audit"
	"github.com/smallbiznis/applykit/internal/authorization"
	"github.com/smallbiznis/applykit/internal/balancefeed"
	"github.com/smallbiznis/applykit/internal/cache"
	"github.com/smallbiznis/applykit/internal/clock"
	"github.com/smallbiznis/applykit/internal/config"
	"github.com/smallbiznis/applykit/internal/credits"
	"github.com/smallbiznis/applykit/internal/documents"
	"github.com/smallbiznis/applykit/internal/identity"
	"github.com/smallbiznis/applykit/internal/interview"
	"github.com/smallbiznis/applykit/internal/llm"
	"github.com/smallbiznis/applykit/internal/migration"
	"github.com/smallbiznis/applykit/internal/observability"
	"github.com/smallbiznis/applykit/internal/payment"
	"github.com/smallbiznis/applykit/internal/providers/pdf"
	"github.com/smallbiznis/applykit/internal/ratelimit"
	"github.com/smallbiznis/applykit/internal/server"
	"github.com/smallbiznis/applykit/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		cache.Module,

		audit.Module,
		authorization.Module,
		identity.Module,
		balancefeed.Module,
		credits.Module,
		ratelimit.Module,
		llm.Module,
		pdf.Module,
		documents.Module,
		interview.Module,
		payment.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterRoutes()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
