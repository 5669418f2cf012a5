package command

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gitlab-az1/ray/internal/auth"
	"github.com/gitlab-az1/ray/internal/config"
	"github.com/gitlab-az1/ray/internal/env"
	"github.com/gitlab-az1/ray/internal/logging"
	"github.com/gitlab-az1/ray/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const testHMACKey = "command-test-key"

// run executes the CLI rooted at root and returns what it printed.
func run(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := App()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(append([]string{"ray", "--root", root}, args...))
	return out.String(), err
}

func newEnv(t *testing.T) *env.Environment {
	t.Helper()
	t.Setenv(env.HMACKeyVar, testHMACKey)
	e, err := env.New(env.WithRoot(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, e.EnsureDirs())
	return e
}

func TestPasswd(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, e.Root(), "passwd", "--algorithm", config.HashPBKDF2, "s3cret")
	require.NoError(t, err)

	hashed := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(hashed, "$pbkdf2-sha512$"), hashed)

	ok, err := auth.Verify(hashed, "s3cret", []byte(testHMACKey))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = run(t, e.Root(), "passwd")
	assert.Error(t, err)

	_, err = run(t, e.Root(), "passwd", "--algorithm", "md5", "s3cret")
	assert.Error(t, err)
}

func TestConfigInitAndShow(t *testing.T) {
	e := newEnv(t)

	out, err := run(t, e.Root(), "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, e.ConfigFile())
	require.FileExists(t, e.ConfigFile())

	_, err = run(t, e.Root(), "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, e.Root(), "config", "init", "--force")
	require.NoError(t, err)

	out, err = run(t, e.Root(), "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "listening_port: 4160")

	t.Setenv("RAY_NET_LISTENING_PORT", "5000")
	out, err = run(t, e.Root(), "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "listening_port: 5000")
}

func TestConfigShow_CustomPath(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")

	cfg := config.Default()
	cfg.Queue.Size = 42
	require.NoError(t, config.Save(cfg, path))

	out, err := run(t, e.Root(), "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "size: 42")
}

func TestInspectStore(t *testing.T) {
	e := newEnv(t)

	s, err := store.Open[json.RawMessage]("app", store.Options{Env: e})
	require.NoError(t, err)
	require.NoError(t, s.Set("profile", json.RawMessage(`{"name":"ada"}`), store.WithMetadata(map[string]any{"source": "test"})))

	out, err := run(t, e.Root(), "--output", FormatJSON, "inspect", "store", "app")
	require.NoError(t, err)

	var records []StoreRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records), out)
	require.Len(t, records, 1)
	assert.Equal(t, "profile", records[0].Key)
	assert.Equal(t, map[string]any{"name": "ada"}, records[0].Value)
	assert.Equal(t, "test", records[0].Metadata["source"])

	out, err = run(t, e.Root(), "inspect", "store", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "profile")
	assert.Contains(t, out, "1 entries")

	_, err = run(t, e.Root(), "inspect", "store", "missing")
	assert.ErrorContains(t, err, "not found")

	_, err = run(t, e.Root(), "inspect", "store")
	assert.Error(t, err)
}

func TestInspectCacheAndKeyspace(t *testing.T) {
	e := newEnv(t)
	cfg := config.Default()

	node, err := OpenNode(e, cfg, logging.Nop())
	require.NoError(t, err)

	require.NoError(t, node.Cache.Set("session", map[string]string{"user": "ada"}, time.Hour))
	require.NoError(t, node.Cache.Set("forever", 7, 0))
	require.NoError(t, node.Keyspace.ZAdd("board", "ada", 10))
	_, err = node.Keyspace.SAdd("tags", "go")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, node.Queue.Flush(ctx))
	require.NoError(t, node.Close())

	out, err := run(t, e.Root(), "-o", FormatJSON, "inspect", "cache")
	require.NoError(t, err)

	var cached []CacheRecord
	require.NoError(t, json.Unmarshal([]byte(out), &cached), out)
	require.Len(t, cached, 2)
	byKey := map[string]CacheRecord{}
	for _, r := range cached {
		byKey[r.Key] = r
	}
	assert.Equal(t, map[string]any{"user": "ada"}, byKey["session"].Value)
	assert.Greater(t, byKey["session"].TTLMs, int64(0))
	assert.Equal(t, int64(-1), byKey["forever"].TTLMs)

	out, err = run(t, e.Root(), "inspect", "cache")
	require.NoError(t, err)
	assert.Contains(t, out, "never")

	out, err = run(t, e.Root(), "-o", FormatYAML, "inspect", "keyspace")
	require.NoError(t, err)
	assert.Contains(t, out, "key: board")
	assert.Contains(t, out, "type: zset")
	assert.Contains(t, out, "key: tags")

	_, err = run(t, e.Root(), "inspect", "cache", "--namespace", "other")
	assert.ErrorContains(t, err, "not found")
}

func TestInspectCache_TamperedSnapshotRejected(t *testing.T) {
	e := newEnv(t)

	node, err := OpenNode(e, config.Default(), logging.Nop())
	require.NoError(t, err)
	require.NoError(t, node.Cache.Set("k", "v", 0))
	require.NoError(t, node.Close())

	path := filepath.Join(e.CacheDir(), config.Default().Cache.Namespace)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = run(t, e.Root(), "inspect", "cache")
	assert.Error(t, err)
}

func TestOpenNode_RequiresHMACKey(t *testing.T) {
	t.Setenv(env.HMACKeyVar, "")
	e, err := env.New(env.WithRoot(t.TempDir()))
	require.NoError(t, err)

	_, err = OpenNode(e, config.Default(), logging.Nop())
	assert.Error(t, err)
}

func TestRender_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	done, err := render(&buf, "xml", []string{"a"})
	assert.True(t, done)
	assert.Error(t, err)

	done, err = render(&buf, FormatTable, []string{"a"})
	assert.False(t, done)
	assert.NoError(t, err)
}
