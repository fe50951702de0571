package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/applykit/internal/audit/domain"
	"github.com/smallbiznis/applykit/internal/authorization"
	"github.com/smallbiznis/applykit/internal/balancefeed"
	"github.com/smallbiznis/applykit/internal/config"
	creditsdomain "github.com/smallbiznis/applykit/internal/credits/domain"
	documentsdomain "github.com/smallbiznis/applykit/internal/documents/domain"
	identitydomain "github.com/smallbiznis/applykit/internal/identity/domain"
	interviewdomain "github.com/smallbiznis/applykit/internal/interview/domain"
	"github.com/smallbiznis/applykit/internal/observability"
	obsmiddleware "github.com/smallbiznis/applykit/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/applykit/internal/observability/metrics"
	obstracing "github.com/smallbiznis/applykit/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/applykit/internal/payment/domain"
	"github.com/smallbiznis/applykit/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sseHeartbeatInterval = 15 * time.Second

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RunHTTP serves the engine on HTTP_ADDR for the lifetime of the app.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	verifier     identitydomain.Verifier
	authzSvc     authorization.Service
	auditSvc     auditdomain.Service
	creditsSvc   creditsdomain.Service
	documentsSvc documentsdomain.Service
	interviews   interviewdomain.Tracker
	paymentSvc   paymentdomain.Service
	balanceFeed  *balancefeed.Hub
	aiLimiter    *ratelimit.ActorLimiter
	obsMetrics   *obsmetrics.Metrics
	newEventID   func() string
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Verifier     identitydomain.Verifier
	AuthzSvc     authorization.Service
	AuditSvc     auditdomain.Service
	CreditsSvc   creditsdomain.Service
	DocumentsSvc documentsdomain.Service
	Interviews   interviewdomain.Tracker
	PaymentSvc   paymentdomain.Service
	BalanceFeed  *balancefeed.Hub        `optional:"true"`
	AILimiter    *ratelimit.ActorLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		verifier:     p.Verifier,
		authzSvc:     p.AuthzSvc,
		auditSvc:     p.AuditSvc,
		creditsSvc:   p.CreditsSvc,
		documentsSvc: p.DocumentsSvc,
		interviews:   p.Interviews,
		paymentSvc:   p.PaymentSvc,
		balanceFeed:  p.BalanceFeed,
		aiLimiter:    p.AILimiter,
		obsMetrics:   p.ObsMetrics,
		newEventID:   func() string { return "manual:" + uuid.NewString() },
	}
}

func (s *Server) RegisterRoutes() {
	r := s.engine

	r.POST("/api/payments/webhooks/:provider", s.HandlePaymentWebhook)

	api := r.Group("/api", s.AuthRequired())
	api.GET("/balance", s.GetBalance)
	api.GET("/balance/stream", s.StreamBalance)
	api.GET("/usage", s.ListMyUsage)
	api.POST("/documents", s.GenerativeRateLimit(), s.GenerateDocument)
	api.POST("/interviews", s.GenerativeRateLimit(), s.StartInterview)
	api.GET("/interviews/:id", s.GetInterview)
	api.POST("/interviews/:id/answers", s.GenerativeRateLimit(), s.AnswerInterview)

	admin := r.Group("/admin", s.AuthRequired())
	admin.GET("/balances/:actorId", s.authorizeAction(authorization.ObjectBalance, authorization.ActionBalanceView), s.AdminGetBalance)
	admin.POST("/balances/:actorId/block", s.authorizeAction(authorization.ObjectBalance, authorization.ActionBalanceBlock), s.AdminBlock)
	admin.POST("/balances/:actorId/unblock", s.authorizeAction(authorization.ObjectBalance, authorization.ActionBalanceBlock), s.AdminUnblock)
	admin.POST("/balances/:actorId/grant", s.authorizeAction(authorization.ObjectBalance, authorization.ActionBalanceGrant), s.AdminGrant)
	admin.GET("/usage", s.authorizeAction(authorization.ObjectUsage, authorization.ActionUsageView), s.AdminListUsage)
	admin.GET("/webhook-events", s.authorizeAction(authorization.ObjectWebhookEvent, authorization.ActionWebhookEventView), s.AdminListWebhookEvents)
	admin.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
