package depositclient

import (
	"time"

	"github.com/onemorebsmith/deposit-ingest/src/common"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/shopspring/decimal"
)

type ClientConfig struct {
	common.CommonConfig `yaml:",inline"`

	UpstreamURL   string `yaml:"upstream_url"`
	TokenInHeader bool   `yaml:"token_in_header"`
	LogLevel      string `yaml:"log_level"`

	MinTokenLength     int           `yaml:"min_token_length"`
	InitialKeepalive   time.Duration `yaml:"initial_keepalive"`
	KeepaliveWindow    time.Duration `yaml:"keepalive_window"`
	ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	StartupDelay       time.Duration `yaml:"startup_delay"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	SourcePollInterval time.Duration `yaml:"source_poll_interval"` // 0 disables provider polling
	LogCapacity        int           `yaml:"log_capacity"`

	ClaimRetention     time.Duration `yaml:"claim_retention"`
	ClaimPruneInterval time.Duration `yaml:"claim_prune_interval"`

	Mock        bool         `yaml:"use_mock"`
	MockSources []MockSource `yaml:"mock_sources"`
}

// MockSource seeds the in-memory store when running with use_mock
type MockSource struct {
	ID                int64   `yaml:"id"`
	Name              string  `yaml:"name"`
	SecretToken       string  `yaml:"secret_token"`
	CommissionPercent float64 `yaml:"commission_percent"`
	ProjectID         int64   `yaml:"project_id"`
}

const (
	defaultMinTokenLength     = 10
	defaultInitialKeepalive   = 20 * time.Second
	defaultKeepaliveWindow    = 10 * time.Second
	defaultReconnectDelay     = 5 * time.Second
	defaultReconcileInterval  = 5 * time.Minute
	defaultStartupDelay       = 2 * time.Second
	defaultDialTimeout        = 10 * time.Second
	defaultWriteTimeout       = 10 * time.Second
	defaultLogCapacity        = 1000
	defaultClaimRetention     = 24 * time.Hour
	defaultClaimPruneInterval = 10 * time.Minute
)

// ApplyDefaults fills every unset field with its default. Safe to call twice.
func (cfg *ClientConfig) ApplyDefaults() {
	if cfg.MinTokenLength <= 0 {
		cfg.MinTokenLength = defaultMinTokenLength
	}
	if cfg.InitialKeepalive <= 0 {
		cfg.InitialKeepalive = defaultInitialKeepalive
	}
	if cfg.KeepaliveWindow <= 0 {
		cfg.KeepaliveWindow = defaultKeepaliveWindow
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.StartupDelay == 0 {
		cfg.StartupDelay = defaultStartupDelay // negative means no delay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = defaultLogCapacity
	}
	if cfg.ClaimRetention <= 0 {
		cfg.ClaimRetention = defaultClaimRetention
	}
	if cfg.ClaimPruneInterval <= 0 {
		cfg.ClaimPruneInterval = defaultClaimPruneInterval
	}
}

func (ms MockSource) ToModel() model.DepositSource {
	return model.DepositSource{
		ID:                model.SourceID(ms.ID),
		Name:              ms.Name,
		SecretToken:       ms.SecretToken,
		CommissionPercent: decimal.NewFromFloat(ms.CommissionPercent),
		IsActive:          true,
		ProjectID:         ms.ProjectID,
	}
}
