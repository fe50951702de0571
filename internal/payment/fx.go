package payment

import (
	"github.com/smallbiznis/applykit/internal/payment/adapters"
	"github.com/smallbiznis/applykit/internal/payment/repository"
	paymentservice "github.com/smallbiznis/applykit/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(adapters.NewDefaultRegistry),
	fx.Provide(paymentservice.NewService),
)
