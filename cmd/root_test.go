package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/config"
)

type fakeRunner struct {
	err error
	ran bool
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCheckConfigPrintsSummary(t *testing.T) {
	path := writeConfig(t, `
identity:
  identities:
    - id: res-1
      proxy: http://proxy-1.internal:3128
targets:
  - name: desk
    url: https://shop.example.com/desk
`)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"check-config", "--config", path})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "configuration OK")
	require.Contains(t, out.String(), "targets: 1")
	require.Contains(t, out.String(), "identities: 1")
	require.Contains(t, out.String(), "dead letters: memory")
}

func TestCheckConfigRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  per_domain_concurrency: 9
`)
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"check-config", "--config", path})

	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "per_domain_concurrency")
}

func TestServeRunsBuiltApp(t *testing.T) {
	fake := &fakeRunner{}
	original := buildApp
	t.Cleanup(func() { buildApp = original })
	var gotCfg config.Config
	buildApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (runner, error) {
		gotCfg = cfg
		return fake, nil
	}

	root := newRootCmd()
	root.SetArgs([]string{"serve", "--config", writeConfig(t, "server:\n  port: 9191\n")})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.True(t, fake.ran)
	require.Equal(t, 9191, gotCfg.Server.Port)
}

func TestServePropagatesRunErrors(t *testing.T) {
	original := buildApp
	t.Cleanup(func() { buildApp = original })
	buildApp = func(context.Context, config.Config, *zap.Logger) (runner, error) {
		return &fakeRunner{err: errors.New("port in use")}, nil
	}

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "port in use")
}
