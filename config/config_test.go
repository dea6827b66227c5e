package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"securebank/ledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
node_id: "bank-a"
node_name: "Bank A"
own_key_id: "key-a"
note_signing_key_id: "note-key"
keys:
  key-a: "secret-a"
  note-key: "note-secret"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, "securebank.db", cfg.DatabasePath)
	require.Equal(t, ledger.MustParseAmount("1000.00"), cfg.InitialBalanceAmount())
	require.Equal(t, time.Hour, cfg.SessionTTL.Duration)
	require.Equal(t, 10*time.Second, cfg.Sync.Timeout.Duration)
	require.Equal(t, 5*time.Minute, cfg.Sync.RetryDelay.Duration)
	require.Equal(t, 5*time.Minute, cfg.Sync.ReplayWindow.Duration)
	require.Equal(t, time.Minute, cfg.Sync.DrainInterval.Duration)
}

func TestListenEnvOverride(t *testing.T) {
	t.Setenv("SECUREBANK_LISTEN", ":9999")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddress)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
node_id: "bank-a"
node_name: "Bank A"
environment: "production"
listen: ":8443"
database: "/var/lib/securebank/node.db"
own_key_id: "key-a"
note_signing_key_id: "note-key"
initial_balance: "2500.00"
session_ttl: "30m"
keys:
  key-a: "secret-a"
  key-b: "secret-b"
  note-key: "note-secret"
peers:
  - id: "bank-b"
    name: "Bank B"
    endpoint: "https://b.example/sync"
    key_id: "key-b"
sync:
  timeout: "5s"
  retry_delay: "2m"
  replay_window: "300s"
  max_attempts: 12
`))
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Environment)
	require.Equal(t, ledger.MustParseAmount("2500.00"), cfg.InitialBalanceAmount())
	require.Equal(t, 30*time.Minute, cfg.SessionTTL.Duration)
	require.Equal(t, 5*time.Second, cfg.Sync.Timeout.Duration)
	require.Equal(t, 2*time.Minute, cfg.Sync.RetryDelay.Duration)
	require.Equal(t, 300*time.Second, cfg.Sync.ReplayWindow.Duration)
	require.Equal(t, 12, cfg.Sync.MaxAttempts)
	require.Len(t, cfg.Peers, 1)
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]string{
		"missing node_id": `
node_name: "Bank A"
own_key_id: "key-a"
note_signing_key_id: "key-a"
keys: {key-a: "secret"}
`,
		"missing keys": `
node_id: "bank-a"
node_name: "Bank A"
own_key_id: "key-a"
note_signing_key_id: "key-a"
`,
		"unknown own key": `
node_id: "bank-a"
node_name: "Bank A"
own_key_id: "missing"
note_signing_key_id: "key-a"
keys: {key-a: "secret"}
`,
		"peer without key": `
node_id: "bank-a"
node_name: "Bank A"
own_key_id: "key-a"
note_signing_key_id: "key-a"
keys: {key-a: "secret"}
peers:
  - id: "bank-b"
    endpoint: "https://b.example/sync"
    key_id: "nope"
`,
		"bad initial balance": `
node_id: "bank-a"
node_name: "Bank A"
own_key_id: "key-a"
note_signing_key_id: "key-a"
initial_balance: "lots"
keys: {key-a: "secret"}
`,
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, name)
	}
}

func TestDurationUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
session_ttl: "soon"
`))
	require.Error(t, err)
}
