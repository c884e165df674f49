package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisubsidy/harvest-cli/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"harvest", "extract", "attempts", "serve", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "harvest-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level", "log-format", "store", "database"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
	for name := range flagKeys {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
}

func TestLoadConfig_Flags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\nstore:\n  database_url: file.db\n"), 0o644))

	cmd := &cobra.Command{Use: "harvest-cli"}
	addRootFlags(cmd.PersistentFlags())
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--log-format", "console", "--database", filepath.Join(dir, "flag.db")}))

	c, err := loadConfig(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, "console", c.Log.Format)
	assert.Equal(t, filepath.Join(dir, "flag.db"), c.Store.DatabaseURL)
	assert.Equal(t, "sqlite", c.Store.Driver)

	cmd = &cobra.Command{Use: "harvest-cli"}
	addRootFlags(cmd.PersistentFlags())
	require.NoError(t, cmd.ParseFlags([]string{"--config", filepath.Join(dir, "missing.yaml")}))
	_, err = loadConfig(cmd.Flags())
	assert.Error(t, err)
}

func TestAttemptsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range attemptsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"latest", "history", "stats", "export"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestHarvestCommand_Flags(t *testing.T) {
	require.NotNil(t, harvestCmd.Flags().Lookup("site"))
	flag := harvestCmd.Flags().Lookup("max-pages")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestExtractPendingCommand_Flags(t *testing.T) {
	flag := extractPendingCmd.Flags().Lookup("concurrency")
	require.NotNil(t, flag)
	assert.Equal(t, "2", flag.DefValue)
}

func newExtractTestCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "extract"}
	addExtractFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestExtractRequestFromFlags(t *testing.T) {
	cmd := newExtractTestCmd(t, "--document", "doc-1", "--file", "https://x.fr/guide.pdf", "--type", "guide")
	req, err := extractRequestFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", req.DocumentID)
	assert.Equal(t, "https://x.fr/guide.pdf", req.FileURL)
	assert.Equal(t, "guide", req.DocumentType)
	assert.Nil(t, req.UseHybridMode)
	assert.True(t, req.Hybrid())
}

func TestExtractRequestFromFlags_ForceAIAndText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("Aide aux jeunes agriculteurs"), 0o644))

	cmd := newExtractTestCmd(t, "--document", "doc-2", "--hybrid=false", "--text", path)
	req, err := extractRequestFromFlags(cmd)
	require.NoError(t, err)
	require.NotNil(t, req.UseHybridMode)
	assert.False(t, req.Hybrid())
	assert.Equal(t, "Aide aux jeunes agriculteurs", req.Text)
}

func TestExtractRequestFromFlags_MissingDocument(t *testing.T) {
	_, err := extractRequestFromFlags(newExtractTestCmd(t, "--file", "a.pdf"))
	assert.Error(t, err)

	_, err = extractRequestFromFlags(newExtractTestCmd(t, "--document", "d", "--text", "/does/not/exist"))
	assert.Error(t, err)
}

func TestInitReview(t *testing.T) {
	assert.Empty(t, initReview(config.ReviewConfig{}))
	assert.Len(t, initReview(config.ReviewConfig{WebhookURL: "https://hooks.example.fr"}), 1)
	assert.Len(t, initReview(config.ReviewConfig{
		WebhookURL:  "https://hooks.example.fr",
		NotionToken: "secret",
		NotionDB:    "db-id",
	}), 2)
	// A token without a database is ignored.
	assert.Empty(t, initReview(config.ReviewConfig{NotionToken: "secret"}))
}

func TestInitStore(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })

	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "h.db")}}
	st, err := openStore(t.Context())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}
	_, err = initStore(t.Context())
	assert.Error(t, err)
}
