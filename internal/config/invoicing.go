package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// InvoicingConfig carries facility-level invoicing defaults that operators
// tune without a redeploy: the invoice number prefix and the standard
// payment-instructions block printed on every invoice.
type InvoicingConfig struct {
	NumberPrefix        string `mapstructure:"numberPrefix"`
	DefaultInstructions string `mapstructure:"defaultInstructions"`
	NotifySubject       string `mapstructure:"notifySubject"`
}

func DefaultInvoicingConfig() InvoicingConfig {
	return InvoicingConfig{
		NumberPrefix:        "CB",
		DefaultInstructions: "Remit payment within 30 days of the invoice date.",
		NotifySubject:       "Facility invoices for",
	}
}

// InvoicingConfigHolder hot-reloads invoicing defaults from an optional
// invoicing.yml, falling back to built-in defaults.
type InvoicingConfigHolder struct {
	log     *zap.Logger
	current atomic.Value // holds InvoicingConfig
}

func NewInvoicingConfigHolder(log *zap.Logger) (*InvoicingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("invoicing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/chargeback/config")
	v.AddConfigPath("/etc/chargeback")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHARGEBACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		defaults := DefaultInvoicingConfig()
		v.SetDefault("invoicing.numberPrefix", defaults.NumberPrefix)
		v.SetDefault("invoicing.defaultInstructions", defaults.DefaultInstructions)
		v.SetDefault("invoicing.notifySubject", defaults.NotifySubject)
	}

	holder := &InvoicingConfigHolder{log: log.Named("config.invoicing")}
	if err := holder.reload(v); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if err := holder.reload(v); err != nil {
			holder.log.Warn("invoicing config reload failed", zap.Error(err))
		}
	})
	v.WatchConfig()

	return holder, nil
}

func (h *InvoicingConfigHolder) reload(v *viper.Viper) error {
	var cfg InvoicingConfig
	if err := v.UnmarshalKey("invoicing", &cfg); err != nil {
		return err
	}
	defaults := DefaultInvoicingConfig()
	if cfg.NumberPrefix == "" {
		cfg.NumberPrefix = defaults.NumberPrefix
	}
	if cfg.DefaultInstructions == "" {
		cfg.DefaultInstructions = defaults.DefaultInstructions
	}
	if cfg.NotifySubject == "" {
		cfg.NotifySubject = defaults.NotifySubject
	}
	h.current.Store(cfg)
	return nil
}

func (h *InvoicingConfigHolder) Current() InvoicingConfig {
	if cfg, ok := h.current.Load().(InvoicingConfig); ok {
		return cfg
	}
	return DefaultInvoicingConfig()
}
