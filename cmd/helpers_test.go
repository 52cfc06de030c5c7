package cmd

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kkatwk9/versize/versize"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// isolateEnv clears the environment for the test and restores it
// afterward. godotenv writes straight to the process environment, so
// t.Setenv alone can't undo what an env file loads.
func isolateEnv(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

// resetCommandState gives the test a fresh viper instance and config,
// restoring the globals afterward
func resetCommandState(t *testing.T) *bytes.Buffer {
	t.Helper()
	viper.Reset()
	originalCfg := cfg
	cfg = versize.DefaultConfig()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	t.Cleanup(
		func() {
			cfg = originalCfg
			configFile = ""
			viper.Reset()
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetIn(nil)
			rootCmd.SetArgs(nil)
		},
	)
	return &out
}

// executeWithEnvFile writes envContent to a temporary env file and runs
// the root command with it and args
func executeWithEnvFile(t *testing.T, envContent string, args ...string) string {
	t.Helper()
	isolateEnv(t)
	out := resetCommandState(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	rootCmd.SetArgs(append([]string{"--config=" + envFile}, args...))
	require.NoError(t, rootCmd.Execute())
	return out.String()
}
