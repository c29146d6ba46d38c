package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/mnemo/pkg/bus"
	"github.com/dotsetgreg/mnemo/pkg/queue"
)

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive session (use /update, /status, /quit)",
		RunE: func(cmd *cobra.Command, args []string) error {
			observer := bus.NewObserver()
			mgr, cfg, _, err := setup(observer)
			if err != nil {
				return err
			}
			logger := newLogger()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go reportEvents(ctx, observer, logger)

			maint, err := queue.NewMaintenance(cfg.Queue.MaintenanceCron, mgr.MaybeCompress, logger)
			if err != nil {
				return err
			}
			go maint.Run(ctx)

			rl, err := readline.New("you> ")
			if err != nil {
				return err
			}
			defer rl.Close()

			fmt.Println("mnemo chat. /update compresses, /status shows health, /quit exits.")
			for {
				line, err := rl.Readline()
				if err == readline.ErrInterrupt || err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
					continue
				case line == "/quit" || line == "/exit":
					goto done
				case line == "/status":
					st := mgr.Status()
					fmt.Printf("queue size=%d active=%d processed=%d failed=%d rate=%.1f/min\n",
						st.QueueSize, st.ActiveTasks, st.TotalProcessed, st.TotalFailed, st.ProcessingRate)
					for _, alert := range st.Alerts() {
						fmt.Println("alert:", alert)
					}
				case line == "/update":
					dctx, dcancel := drainCtx()
					ok, err := mgr.UpdateMemory(dctx)
					dcancel()
					if err != nil {
						fmt.Println("update failed:", err)
					} else {
						fmt.Printf("update: %v\n", ok)
					}
				default:
					response, err := mgr.Query(ctx, line)
					if err != nil {
						fmt.Println("error:", err)
						continue
					}
					fmt.Println(response)
				}
			}
		done:
			cancel()
			if err := mgr.Close(); err != nil {
				logger.Warn("shutdown left spilled tasks", "err", err)
			}
			observer.Close()
			return nil
		},
	}
}

func reportEvents(ctx context.Context, observer *bus.Observer, logger *log.Logger) {
	for {
		ev, ok := observer.Subscribe(ctx)
		if !ok {
			return
		}
		switch ev.Kind {
		case bus.EventWarning:
			logger.Warn(ev.Message, "component", ev.Component)
		case bus.EventError:
			logger.Error(ev.Message, "component", ev.Component, "fields", ev.Fields)
		}
	}
}
