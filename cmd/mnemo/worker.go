package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/mnemo/pkg/config"
	"github.com/dotsetgreg/mnemo/pkg/graph"
	"github.com/dotsetgreg/mnemo/pkg/llm"
	"github.com/dotsetgreg/mnemo/pkg/model"
	"github.com/dotsetgreg/mnemo/pkg/prompts"
	"github.com/dotsetgreg/mnemo/pkg/queue"
	"github.com/dotsetgreg/mnemo/pkg/store"
)

// newWorkerCommand runs the standalone graph processor: it consumes
// conversation_queue.jsonl for one session and applies graph updates,
// surviving restarts via processing_state.json.
func newWorkerCommand() *cobra.Command {
	var poll time.Duration

	cmd := &cobra.Command{
		Use:     "worker",
		Short:   "Run the standalone graph processor for a session",
		Example: "  mnemo worker -s default",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.LoadConfig(flagConfig)
			if err != nil {
				return err
			}
			dom, err := config.LoadDomain(flagDomain)
			if err != nil {
				return err
			}
			promptSet, err := prompts.Load(cfg.Memory.PromptTemplateDir)
			if err != nil {
				return err
			}

			svc := llm.NewRetryService(llm.NewClient(llm.ClientConfig{
				APIKey:    cfg.Providers.APIKey,
				APIBase:   cfg.Providers.APIBase,
				ChatModel: cfg.Providers.ChatModel,
			}), logger)
			var embedder llm.Embedder = llm.NewLocalEmbedder()
			if !cfg.Providers.LocalEmbedder && cfg.Providers.APIKey != "" {
				embedder = llm.NewRetryEmbedder(llm.NewClient(llm.ClientConfig{
					APIKey:     cfg.Providers.APIKey,
					APIBase:    cfg.Providers.APIBase,
					EmbedModel: cfg.Providers.EmbedModel,
				}), logger)
			}

			sessionDir := filepath.Join(cfg.RootPath(), flagSession)
			st, err := store.New(sessionDir, logger)
			if err != nil {
				return err
			}
			processor, err := graph.NewProcessor(st.GraphDir(), svc, embedder, promptSet, dom, logger)
			if err != nil {
				return err
			}
			fileQueue := queue.NewFileQueue(st.QueuePath(), st.QueueLockPath(),
				time.Duration(cfg.Queue.LockTimeoutSecs)*time.Second, logger)

			handler := func(ctx context.Context, entry model.QueueEntry) error {
				clog, err := st.LoadConversations()
				if err != nil {
					return err
				}
				idx := clog.FindTurn(entry.ConversationGUID)
				if idx < 0 {
					logger.Warn("queue entry for unknown turn, skipping", "guid", entry.ConversationGUID)
					return nil
				}
				return processor.Process(ctx, clog.Entries[idx])
			}

			worker := queue.NewWorker(fileQueue, st.ProcessingStatePath(), handler,
				poll, cfg.Queue.WatchQueueEvents, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("graph worker started", "session", flagSession, "queue", st.QueuePath())
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("graph worker stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "Fallback poll interval for the queue file")
	return cmd
}
