package adapters

import (
	"sort"
	"strings"

	"github.com/smallbiznis/applykit/internal/config"
	"github.com/smallbiznis/applykit/internal/payment/adapters/polar"
	"github.com/smallbiznis/applykit/internal/payment/adapters/stripe"
	"github.com/smallbiznis/applykit/internal/payment/domain"
)

// Registry resolves a provider name from the webhook URL to a verified adapter.
type Registry struct {
	factories map[string]domain.AdapterFactory
	secrets   map[string]string
}

func NewRegistry(secrets map[string]string, factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		secrets:   map[string]string{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	for provider, secret := range secrets {
		registry.secrets[normalize(provider)] = strings.TrimSpace(secret)
	}
	return registry
}

// NewDefaultRegistry wires every supported provider with its configured secret.
func NewDefaultRegistry(cfg config.Config) *Registry {
	return NewRegistry(map[string]string{
		domain.ProviderPolar:  cfg.PolarWebhookSecret,
		domain.ProviderStripe: cfg.StripeWebhookSecret,
	}, polar.NewFactory(), stripe.NewFactory())
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

// Providers lists the providers that have a webhook secret configured.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.factories))
	for provider := range r.factories {
		if r.secrets[provider] != "" {
			out = append(out, provider)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Adapter(provider string) (domain.PaymentAdapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return factory.NewAdapter(domain.AdapterConfig{WebhookSecret: r.secrets[provider]})
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
