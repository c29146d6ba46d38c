package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	var seed string
	var guid string

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Seed a session's static memory (no-op if it already exists)",
		Example: "  mnemo init --domain world.toml\n  mnemo init --seed \"Setting: Lost Valley.\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, dom, err := setup(nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			text := seed
			if text == "" {
				text = dom.InitialData
			}
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("no seed text: pass --seed or a domain file with initial_data")
			}
			if err := mgr.CreateInitial(text, guid); err != nil {
				return err
			}
			state, err := mgr.State()
			if err != nil {
				return err
			}
			fmt.Printf("session %s ready (guid %s)\n", flagSession, state.GUID)
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "Seed text for static memory")
	cmd.Flags().StringVar(&guid, "guid", "", "Explicit memory GUID (generated when empty)")
	return cmd
}

func newQueryCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "query <question>",
		Short:   "Ask one question and wait for background work to drain",
		Args:    cobra.ExactArgs(1),
		Example: "  mnemo query \"Who is Elena?\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := setup(nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			response, err := mgr.Query(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(response)
			return nil
		},
	}
}

func newUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Compress the conversation history into context entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := setup(nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			ok, err := mgr.UpdateMemory(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("update: %v\n", ok)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session state, queue health, and task metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := setup(nil)
			if err != nil {
				return err
			}
			defer mgr.Close()

			state, err := mgr.State()
			if err != nil {
				return err
			}
			fmt.Printf("session:            %s\n", state.GUID)
			fmt.Printf("history turns:      %d\n", len(state.ConversationHistory))
			fmt.Printf("context entries:    %d\n", len(state.Context))
			fmt.Printf("compressions:       %d\n", state.Metadata.CompressionCount)

			if g := mgr.Graph(); g != nil {
				meta := g.Storage().Metadata()
				fmt.Printf("graph:              %d nodes, %d edges\n", meta.TotalNodes, meta.TotalEdges)
			}

			st := mgr.Status()
			fmt.Printf("queue:              size=%d active=%d processed=%d failed=%d\n",
				st.QueueSize, st.ActiveTasks, st.TotalProcessed, st.TotalFailed)
			if st.AverageProcessingTime > 0 {
				fmt.Printf("avg task time:      %s\n", st.AverageProcessingTime.Round(time.Millisecond))
			}
			for _, alert := range st.Alerts() {
				fmt.Printf("alert:              %s\n", alert)
			}

			if rec := mgr.Metrics(); rec != nil {
				summaries, err := rec.Summarize(24 * time.Hour)
				if err != nil {
					return err
				}
				for _, s := range summaries {
					fmt.Printf("tasks[%s]: count=%d failed=%d avg=%.0fms last=%s\n",
						s.Kind, s.Count, s.Failures, s.AvgMillis,
						s.LastSeenAt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
}

// drainCtx gives shutdown paths a short bounded context.
func drainCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
