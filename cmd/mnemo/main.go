package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/mnemo/pkg/bus"
	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/memory"
)

var version = "0.3.0"

var (
	flagConfig  string
	flagDomain  string
	flagSession string
)

func main() {
	_ = godotenv.Load()
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mnemo",
		Short: "Durable conversational memory: digests, retrieval, and a knowledge graph",
		Long: strings.TrimSpace(`mnemo maintains long-lived conversational memory for an agent:
a rated digest log, a semantic vector index, and a knowledge graph,
with background processing that keeps the foreground responsive.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "Path to the JSON config file")
	root.PersistentFlags().StringVar(&flagDomain, "domain", "", "Path to a TOML domain config file")
	root.PersistentFlags().StringVarP(&flagSession, "session", "s", "default", "Session GUID (directory name under the root)")

	root.AddCommand(newInitCommand())
	root.AddCommand(newQueryCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newUpdateCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mnemo.json"
	}
	return filepath.Join(home, ".mnemo", "config.json")
}

func newLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	})
}

// setup loads config and domain, builds the model services, and opens
// the session manager.
func setup(observer *bus.Observer) (*memory.Manager, *config.Config, *config.DomainConfig, error) {
	logger := newLogger()
	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	dom, err := config.LoadDomain(flagDomain)
	if err != nil {
		return nil, nil, nil, err
	}

	svc := llm.Service(llm.NewRetryService(llm.NewClient(llm.ClientConfig{
		APIKey:     cfg.Providers.APIKey,
		APIBase:    cfg.Providers.APIBase,
		ChatModel:  cfg.Providers.ChatModel,
		EmbedModel: cfg.Providers.EmbedModel,
	}), logger))

	var embedder llm.Embedder
	if cfg.Providers.LocalEmbedder || cfg.Providers.APIKey == "" {
		embedder = llm.NewLocalEmbedder()
	} else {
		embedder = llm.NewRetryEmbedder(llm.NewClient(llm.ClientConfig{
			APIKey:     cfg.Providers.APIKey,
			APIBase:    cfg.Providers.APIBase,
			EmbedModel: cfg.Providers.EmbedModel,
		}), logger)
	}

	sessionDir := filepath.Join(cfg.RootPath(), flagSession)
	mgr, err := memory.NewManager(sessionDir, cfg, dom, svc, embedder, observer, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return mgr, cfg, dom, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("mnemo %s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
			return nil
		},
	}
}
