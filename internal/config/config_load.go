package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Default returns a Config populated with the numeric defaults
// mandated for the context store, lane scheduler, and shell tool.
func Default() *Config {
	return &Config{
		Context: ContextConfig{
			History: HistoryConfig{
				KeepLastMessages:     30,
				MaxInputTokensApprox: 12000,
				ArchiveOnCompact:     true,
			},
			ChatQueue: ChatQueueConfig{
				MaxConcurrency:              2,
				EnableCorrectionMerge:       true,
				CorrectionMaxRounds:         2,
				CorrectionMaxMergedMessages: 5,
			},
		},
		Permissions: PermissionsConfig{
			ExecCommand: ExecCommandConfig{
				MaxOutputChars: 12000,
				MaxOutputLines: 200,
			},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "ship-core",
		},
		Gateway: GatewayConfig{
			ListenAddr: ":8842",
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{Model: "claude-sonnet-4-5-20250929"},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars and
// clamps/normalizes out-of-range values. A missing file is not an
// error: Default() plus env overrides is returned instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.applyBounds()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyBounds()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Secrets are
// only ever sourced from the environment, never persisted to disk.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SHIP_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("SHIP_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("SHIP_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("SHIP_OPENAI_BASE_URL", &c.Providers.OpenAI.APIBase)
	envStr("SHIP_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SHIP_GATEWAY_LISTEN_ADDR", &c.Gateway.ListenAddr)
}

// applyBounds clamps configuration fields to the ranges spec.md
// mandates, so a malformed config.json can't put the scheduler or
// compactor into an invalid state.
func (c *Config) applyBounds() {
	h := &c.Context.History
	if h.KeepLastMessages < 6 {
		h.KeepLastMessages = 6
	}
	if h.MaxInputTokensApprox < 2000 {
		h.MaxInputTokensApprox = 2000
	}

	q := &c.Context.ChatQueue
	if q.MaxConcurrency < 1 {
		q.MaxConcurrency = 1
	}
	if q.MaxConcurrency > 32 {
		q.MaxConcurrency = 32
	}
	if q.CorrectionMaxRounds < 0 {
		q.CorrectionMaxRounds = 0
	}
	if q.CorrectionMaxRounds > 10 {
		q.CorrectionMaxRounds = 10
	}
	if q.CorrectionMaxMergedMessages < 0 {
		q.CorrectionMaxMergedMessages = 0
	}
	if q.CorrectionMaxMergedMessages > 50 {
		q.CorrectionMaxMergedMessages = 50
	}

	e := &c.Permissions.ExecCommand
	if e.MaxOutputChars < 500 {
		e.MaxOutputChars = 500
	}
	if e.MaxOutputLines < 20 {
		e.MaxOutputLines = 20
	}
}
