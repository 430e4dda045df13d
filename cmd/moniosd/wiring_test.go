package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Monios-Control/internal/config"
	"Monios-Control/internal/continuity"
	"Monios-Control/internal/runtime/claudecli"
	"Monios-Control/internal/sandbox"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monios.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWiringDefaults(t *testing.T) {
	cfg := config.Default(t.TempDir())

	connector, err := newConnector(cfg)
	require.NoError(t, err)
	assert.IsType(t, &claudecli.Connector{}, connector)

	platform, closePlatform, err := newPlatform(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &sandbox.MemoryPlatform{}, platform)
	assert.NoError(t, closePlatform(context.Background()))

	verifier, err := newVerifier(cfg)
	require.NoError(t, err)
	assert.Nil(t, verifier)

	pc := poolConfig(cfg)
	assert.Equal(t, sandbox.StalePolicyReuse, pc.StalePolicy)
	assert.Equal(t, "/app", pc.MountPath)

	queue, err := newRolloutQueue(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, queue.Close())

	assert.NotNil(t, newAlerts(cfg))
}

func TestOpenAIConnectorRequiresKey(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Runtime.Provider = "openai"
	cfg.Runtime.OpenAI.APIKey = ""
	_, err := newConnector(cfg)
	assert.Error(t, err)
}

func TestLedgerCommands(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `{
		// 文件账本
		"data_dir": "`+filepath.ToSlash(dir)+`",
		"logging": {"level": "error"}
	}`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	ledger, err := openLedger(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, ledger.Record(context.Background(), "u1", "tok-1"))
	require.NoError(t, ledger.Close())

	out, err := execute(t, "--config", path, "ledger", "show")
	require.NoError(t, err)
	var records []continuity.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "tok-1", records[0].Token)

	out, err = execute(t, "--config", path, "ledger", "clear", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "existed=true")

	out, err = execute(t, "--config", path, "ledger", "clear", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "existed=false")
}

func TestArtifactDigestCommand(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.py"), []byte("print(1)"), 0o644))
	path := writeConfig(t, `{"data_dir": "`+filepath.ToSlash(t.TempDir())+`"}`)

	out, err := execute(t, "--config", path, "artifact", "digest", src)
	require.NoError(t, err)
	var artifact sandbox.Artifact
	require.NoError(t, json.Unmarshal([]byte(out), &artifact))
	assert.Equal(t, 1, artifact.Files)
	assert.Contains(t, artifact.Version, "art-")

	_, err = execute(t, "--config", path, "artifact", "publish", src)
	assert.ErrorIs(t, err, errMemoryRollout)
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, `{"data_dir": "`+filepath.ToSlash(t.TempDir())+`", "auth": {"jwt_secret": "s3cret", "issuer": "monios"}}`)
	out, err := execute(t, "--config", path, "token", "alice", "--ttl", "1h")
	require.NoError(t, err)
	assert.NotEmpty(t, bytes.TrimSpace([]byte(out)))

	noAuth := writeConfig(t, `{"data_dir": "`+filepath.ToSlash(t.TempDir())+`"}`)
	_, err = execute(t, "--config", noAuth, "token", "alice")
	assert.Error(t, err)
}
