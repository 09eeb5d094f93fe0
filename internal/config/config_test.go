package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const minimalBacktestYAML = `
mode: backtest
symbol: btcusdt
grid:
  lower_price: "40000"
  upper_price: "50000"
  levels: 5
capital:
  total: "10000"
backtest:
  data_path: data/btc.jsonl
  initial_quote: "100000"
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalBacktestYAML))
	require.NoError(t, err)

	require.Equal(t, ModeBacktest, cfg.Mode)
	require.Equal(t, "BTCUSDT", cfg.Symbol, "symbol is upper-cased")
	require.Equal(t, "default", cfg.InstanceID)
	require.Equal(t, "arithmetic", cfg.Grid.SpacingType)
	require.Equal(t, "exhaust", cfg.Grid.BoundaryPolicy)
	require.Equal(t, 2, cfg.Execution.PlaceRetries)
	require.Equal(t, int64(500), cfg.Execution.RetryBackoffMs)
	require.Equal(t, "state", cfg.State.Dir)
	require.Equal(t, "ge-default", cfg.Exchange.ClientOrderPrefix)
	require.Equal(t, int64(300), cfg.Observability.Runtime.ResyncIntervalSec)
	require.Equal(t, "info", cfg.Observability.Runtime.LogLevel)
	require.True(t, cfg.Grid.LowerPrice.Equal(decimal.NewFromInt(40000)))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(minimalBacktestYAML + "\nbogus_key: 1\n"))
	require.Error(t, err)
}

func TestValidateGrid(t *testing.T) {
	cases := []struct {
		name string
		edit string
	}{
		{"one level", "grid:\n  lower_price: \"1\"\n  upper_price: \"2\"\n  levels: 1"},
		{"inverted range", "grid:\n  lower_price: \"2\"\n  upper_price: \"1\"\n  levels: 5"},
		{"bad spacing", "grid:\n  lower_price: \"1\"\n  upper_price: \"2\"\n  levels: 5\n  spacing_type: log"},
		{"bad boundary", "grid:\n  lower_price: \"1\"\n  upper_price: \"2\"\n  levels: 5\n  boundary_policy: wrap"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			yaml := "mode: backtest\nsymbol: BTCUSDT\n" + tc.edit +
				"\ncapital:\n  total: \"100\"\nbacktest:\n  data_path: x.jsonl\n"
			_, err := Parse([]byte(yaml))
			require.Error(t, err)
		})
	}
}

func TestValidateRiskBounds(t *testing.T) {
	yaml := minimalBacktestYAML + `
risk:
  max_drawdown_pct: "1.5"
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_drawdown_pct")
}

func TestLiveModeRequiresCredentials(t *testing.T) {
	yaml := `
mode: live
symbol: BTCUSDT
grid:
  lower_price: "40000"
  upper_price: "50000"
  levels: 5
capital:
  total: "10000"
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "api_key")
}

func TestLiveModeDefaultsEndpoints(t *testing.T) {
	yaml := `
mode: testnet
symbol: BTCUSDT
grid:
  lower_price: "40000"
  upper_price: "50000"
  levels: 5
capital:
  total: "10000"
exchange:
  api_key: k
  api_secret: s
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	require.Equal(t, "https://testnet.binance.vision", cfg.Exchange.RestBaseURL)
	require.Equal(t, "wss://stream.testnet.binance.vision", cfg.Exchange.WSBaseURL)
}

func TestSecretsExpandFromEnv(t *testing.T) {
	t.Setenv("TEST_GRID_API_KEY", "k-from-env")
	t.Setenv("TEST_GRID_API_SECRET", "s-from-env")
	yaml := `
mode: testnet
symbol: BTCUSDT
grid:
  lower_price: "40000"
  upper_price: "50000"
  levels: 5
capital:
  total: "10000"
exchange:
  api_key: ${TEST_GRID_API_KEY}
  api_secret: ${TEST_GRID_API_SECRET}
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	require.Equal(t, "k-from-env", cfg.Exchange.APIKey)
	require.Equal(t, "s-from-env", cfg.Exchange.APISecret)
}

func TestTelegramValidation(t *testing.T) {
	yaml := minimalBacktestYAML + `
observability:
  telegram:
    enabled: true
`
	_, err := Parse([]byte(yaml))
	require.Error(t, err)
	require.Contains(t, err.Error(), "bot_token")
}
