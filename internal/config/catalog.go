package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Product maps a checkout product to the credits it grants.
type Product struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Credits int64  `mapstructure:"credits"`
}

// Catalog is the static pricing table for credit packs and paid actions.
type Catalog struct {
	Products []Product       `mapstructure:"products"`
	Costs    map[string]int64 `mapstructure:"costs"`
}

const defaultActionCost int64 = 1

func DefaultCatalog() Catalog {
	return Catalog{
		Products: []Product{},
		Costs: map[string]int64{
			"generate_document": 1,
			"interview_turn":    1,
		},
	}
}

// ProductCredits returns the credits granted for productID. Unknown products grant nothing.
func (c Catalog) ProductCredits(productID string) (int64, bool) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, false
	}
	for _, p := range c.Products {
		if p.ID == productID {
			return p.Credits, true
		}
	}
	return 0, false
}

// Cost returns the credit cost of an action.
func (c Catalog) Cost(action string) int64 {
	if v, ok := c.Costs[strings.ToLower(strings.TrimSpace(action))]; ok && v > 0 {
		return v
	}
	return defaultActionCost
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder returns a holder that never reloads.
func NewStaticCatalogHolder(c Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(c)
	return holder
}

func NewCatalogHolder(cfg Config, log *zap.Logger) (*CatalogHolder, error) {
	log = log.Named("config.catalog")
	v := viper.New()

	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/applykit")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("APPLYKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCatalog()
	v.SetDefault("catalog.costs", defaults.Costs)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Warn("catalog file not found, no product grants credits")
	}

	var catalog Catalog
	if err := v.UnmarshalKey("catalog", &catalog); err != nil {
		return nil, err
	}
	if catalog.Costs == nil {
		catalog.Costs = defaults.Costs
	}
	if err := validateCatalog(catalog); err != nil {
		return nil, err
	}

	holder := &CatalogHolder{}
	holder.current.Store(catalog)

	if v.ConfigFileUsed() == "" {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Error("catalog reload failed", zap.Error(err))
			return
		}
		if err := validateCatalog(updated); err != nil {
			log.Error("invalid catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("catalog reloaded", zap.String("file", e.Name), zap.Int("products", len(updated.Products)))
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	if h == nil {
		return DefaultCatalog()
	}
	c, ok := h.current.Load().(Catalog)
	if !ok {
		return DefaultCatalog()
	}
	return c
}

func validateCatalog(c Catalog) error {
	seen := make(map[string]struct{}, len(c.Products))
	for _, p := range c.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("catalog.products[].id cannot be empty")
		}
		if p.Credits < 0 {
			return fmt.Errorf("catalog product %q has negative credits", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("catalog product %q is declared twice", id)
		}
		seen[id] = struct{}{}
	}
	for action, cost := range c.Costs {
		if cost <= 0 {
			return fmt.Errorf("catalog cost for %q must be positive", action)
		}
	}
	return nil
}
