package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/applykit/internal/config"
	"github.com/smallbiznis/applykit/internal/identity/domain"
	"go.uber.org/zap"
)

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens minted by the identity provider.
type JWTVerifier struct {
	log      *zap.Logger
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func NewJWTVerifier(cfg config.Config, log *zap.Logger) domain.Verifier {
	if cfg.Auth.JWTSecret == "" {
		log.Warn("AUTH_JWT_SECRET is empty, every bearer token will be rejected")
	}
	return &JWTVerifier{
		log:      log.Named("identity.verifier"),
		secret:   []byte(cfg.Auth.JWTSecret),
		issuer:   cfg.Auth.JWTIssuer,
		audience: cfg.Auth.JWTAudience,
		leeway:   30 * time.Second,
		now:      time.Now,
	}
}

func (v *JWTVerifier) Verify(_ context.Context, bearerToken string) (domain.Actor, error) {
	raw := strings.TrimSpace(bearerToken)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return domain.Actor{}, domain.ErrMissingToken
	}
	if len(v.secret) == 0 {
		return domain.Actor{}, domain.ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
			v.log.Debug("token rejected", zap.Error(err))
		}
		return domain.Actor{}, domain.ErrInvalidToken
	}

	actor := domain.Actor{
		ID:    strings.TrimSpace(c.Subject),
		Email: strings.ToLower(strings.TrimSpace(c.Email)),
	}
	if !actor.Valid() {
		return domain.Actor{}, domain.ErrInvalidToken
	}
	return actor, nil
}
