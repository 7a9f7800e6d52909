package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment: sandbox
broker:
  api_key: ${TEST_BROKER_KEY}
  account_id: ACC123
  base_url: https://sandbox.example.com/v1
advisor:
  base_url: https://advisor.example.com
governor:
  ceiling: 120
  window_sec: 60
storage:
  path: /tmp/positions.db
dashboard:
  enabled: true
  listen: ":9090"
logging:
  level: debug
schedule:
  cycle_interval_sec: 30
bots:
  - id: bot-1
    symbol: SPY
    max_positions: 2
    profit_target_pct: 0.5
    stop_loss_pct: 0.5
    force_close_dte: 7
    close_retry_limit: 3
    strategy:
      short_offset_pct: 0.04
      wing_width: 10
      strike_increment: 5
      size_pct: 0.05
      min_credit: 0.5
      target_dte: 30
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ExpandsEnvAndParses(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "secret-key")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "secret-key", cfg.Broker.APIKey)
	assert.Equal(t, "sandbox", cfg.Environment)
	assert.Equal(t, 120, cfg.Governor.Ceiling)
	require.Len(t, cfg.Bots, 1)
	assert.Equal(t, "bot-1", cfg.Bots[0].ID)
	assert.Equal(t, 30, cfg.Bots[0].Strategy.TargetDTE)
	assert.Equal(t, float64(10), cfg.Bots[0].Strategy.WingWidth)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "k")
	bad := validYAML + "\nsurprise_field: true\n"
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err, "typoed keys must fail loudly, not be ignored")
}

func TestLoad_ValidatesRequiredFields(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "")
	_, err := Load(writeConfig(t, validYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoad_RejectsDuplicateBotIDs(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "k")
	dup := validYAML + `
  - id: bot-1
    symbol: QQQ
    profit_target_pct: 0.5
    stop_loss_pct: 0.5
    force_close_dte: 7
    strategy:
      short_offset_pct: 0.04
      wing_width: 5
      size_pct: 0.05
      target_dte: 30
`
	_, err := Load(writeConfig(t, dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate bot id")
}

func TestLoad_RejectsDTEConflict(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "k")
	bad := strings.Replace(validYAML, "target_dte: 30", "target_dte: 5", 1)
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_dte")
}

func TestConfig_Defaults(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "k")
	minimal := `
broker:
  api_key: k
  account_id: a
advisor:
  base_url: https://advisor.example.com
bots:
  - id: bot-1
    symbol: SPY
    profit_target_pct: 0.5
    stop_loss_pct: 0.5
    force_close_dte: 7
    strategy:
      short_offset_pct: 0.04
      wing_width: 10
      size_pct: 0.05
      target_dte: 30
`
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Governor.Ceiling)
	assert.Equal(t, "positions.db", cfg.Storage.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1, cfg.Bots[0].MaxPositions)
	assert.Equal(t, 5, cfg.Bots[0].CloseRetryLimit)
	assert.Equal(t, float64(1), cfg.Bots[0].Strategy.StrikeIncrement)
}
