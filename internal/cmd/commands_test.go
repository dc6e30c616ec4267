package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/internal/server"
	"github.com/3leaps/stanwasm/pkg/cachekey"
	"github.com/3leaps/stanwasm/pkg/modelcache"
	"github.com/3leaps/stanwasm/pkg/workspace"
)

func writeModel(t *testing.T, body string) (string, cachekey.Key) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.stan")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, cachekey.Hash([]byte(body))
}

func TestCompileCommand(t *testing.T) {
	e := setupEnv(t, succeed)
	path, key := writeModel(t, "parameters { real y; } model { y ~ normal(0, 1); }")

	out, err := execute(t, "compile", path)
	require.NoError(t, err)
	assert.Equal(t, key.String()+"\tpublished\n", out)

	wasm, err := os.ReadFile(filepath.Join(e.cacheDir, key.String(), "main.wasm"))
	require.NoError(t, err)
	assert.Equal(t, "module", string(wasm))

	out, err = execute(t, "compile", path, "--json")
	require.NoError(t, err)
	var res compileResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, key.String(), res.ModelID)
	assert.Equal(t, "hit", res.Outcome)
	assert.Equal(t, filepath.Join(e.cacheDir, key.String(), "main.js"), res.Artifacts["main.js"])

	entries, err := os.ReadDir(e.jobsDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspaces are torn down after compile")
}

func TestCompileCommandFailure(t *testing.T) {
	e := setupEnv(t, `echo "line 1: unexpected token" >&2; exit 3`)
	path, key := writeModel(t, "model {")

	out, err := execute(t, "compile", path)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
	assert.Contains(t, out, "unexpected token")

	_, statErr := os.Stat(filepath.Join(e.cacheDir, key.String(), "main.js"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCompileCommandErrors(t *testing.T) {
	setupEnv(t, succeed)

	_, err := execute(t, "compile", filepath.Join(t.TempDir(), "missing.stan"))
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileReadError, ExitCode(err))

	_, err = execute(t, "compile")
	require.Error(t, err)

	t.Setenv("STANWASM_TOOLCHAIN_DIR", t.TempDir())
	path, _ := writeModel(t, "model {}")
	_, err = execute(t, "compile", path)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestCacheCommands(t *testing.T) {
	setupEnv(t, succeed)

	out, err := execute(t, "cache", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No cached models found")

	out, err = execute(t, "cache", "ls", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	path, key := writeModel(t, "model {}")
	_, err = execute(t, "compile", path)
	require.NoError(t, err)

	out, err = execute(t, "cache", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL ID")
	assert.Contains(t, out, key.String())
	assert.Contains(t, out, "ready")

	out, err = execute(t, "cache", "ls", "--json")
	require.NoError(t, err)
	var entries []modelcache.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Complete)
	assert.Equal(t, int64(len("module")), entries[0].Sizes["main.wasm"])

	out, err = execute(t, "cache", "ls", "--match", key.String()[:4]+"*")
	require.NoError(t, err)
	assert.Contains(t, out, key.String())

	out, err = execute(t, "cache", "ls", "--match", "g*")
	require.NoError(t, err)
	assert.Contains(t, out, "No cached models found")

	_, err = execute(t, "cache", "ls", "--match", "[")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))

	out, err = execute(t, "cache", "show", key.String())
	require.NoError(t, err)
	assert.Contains(t, out, key.String())
	assert.Contains(t, out, "complete: true")

	out, err = execute(t, "cache", "show", key.String(), "--json")
	require.NoError(t, err)
	var entry modelcache.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, key, entry.Key)

	_, err = execute(t, "cache", "show", "not-a-key")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))

	_, err = execute(t, "cache", "show", strings.Repeat("0", cachekey.Len))
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
}

func TestJobsCommands(t *testing.T) {
	e := setupEnv(t, succeed)

	out, err := execute(t, "jobs", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")

	store := workspace.NewStore(e.jobsDir)
	stale, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, store.Upload(stale.Token, []byte("model {}")))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Dir, old, old))
	fresh, err := store.Create()
	require.NoError(t, err)

	out, err = execute(t, "jobs", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, stale.Token)
	assert.Contains(t, out, fresh.Token)
	assert.Contains(t, out, workspace.SourceName)

	out, err = execute(t, "jobs", "gc", "--dry-run", "--json")
	require.NoError(t, err)
	var res workspace.PruneResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.WouldDelete)
	assert.Equal(t, 0, res.Deleted)
	assert.DirExists(t, stale.Dir)

	out, err = execute(t, "jobs", "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 workspace(s)")
	assert.NoDirExists(t, stale.Dir)
	assert.DirExists(t, fresh.Dir)

	_, err = execute(t, "jobs", "gc", "--max-age", "soon")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))

	_, err = execute(t, "jobs", "gc", "--max-age=-1h")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestDoctorCommand(t *testing.T) {
	t.Run("healthy installation", func(t *testing.T) {
		e := setupEnv(t, succeed)
		t.Setenv("STANWASM_AUTH_PASSCODE", "secret")
		require.NoError(t, os.MkdirAll(e.jobsDir, 0o755))
		require.NoError(t, os.MkdirAll(e.cacheDir, 0o755))

		_, err := execute(t, "doctor")
		assert.NoError(t, err)
	})

	t.Run("missing toolchain", func(t *testing.T) {
		setupEnv(t, succeed)
		t.Setenv("STANWASM_TOOLCHAIN_DIR", filepath.Join(t.TempDir(), "absent"))

		_, err := execute(t, "doctor")
		require.Error(t, err)
		assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
	})
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	setupEnv(t, succeed)
	t.Setenv("STANWASM_AUTH_PASSCODE", "hunter2")

	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "********")
	assert.Contains(t, out, "poll_interval: 10ms")
}

func TestServeRequiresPasscode(t *testing.T) {
	setupEnv(t, succeed)
	t.Setenv("STANWASM_AUTH_PASSCODE", "")

	_, err := execute(t, "serve", "--port", "0")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	assert.Contains(t, err.Error(), "auth.passcode")
}

func TestServerOptionsWireRestart(t *testing.T) {
	e := setupEnv(t, succeed)
	t.Setenv("STANWASM_AUTH_PASSCODE", "secret")
	t.Setenv("STANWASM_AUTH_RESTART_TOKEN", "reboot")
	_, err := execute(t, "config", "show")
	require.NoError(t, err)

	cfg, err := loadedConfig()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(e.jobsDir, 0o755))
	require.NoError(t, os.MkdirAll(e.cacheDir, 0o755))

	svc := newService(cfg, zap.NewNop())
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	restarted := make(chan struct{})
	srv := server.New("127.0.0.1", 0, serverOptions(cfg, svc, newHealthManager(cfg), func() { close(restarted) }, zap.NewNop())...)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/restart", nil)
	req.Header.Set("Authorization", "Bearer reboot")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("restart not triggered")
	}
}
