package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/agent"
	"github.com/spf13/cobra"
)

func agentCmd(gf *globalFlags) *cobra.Command {
	var (
		name      string
		chunkSize int
		attrs     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Answer broadcast tasks addressed to this node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Agent.Name = name
			}
			if cmd.Flags().Changed("chunk-size") {
				cfg.Agent.ChunkSize = chunkSize
			}
			for k, v := range attrs {
				if cfg.Agent.Attributes == nil {
					cfg.Agent.Attributes = make(map[string]string)
				}
				cfg.Agent.Attributes[k] = v
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			t, closeTransport, err := openTransport(ctx, cfg.Bus, false)
			if err != nil {
				return err
			}
			defer closeTransport()

			id := agent.LocalIdentity(cfg.Agent.Name, cfg.Agent.Attributes)
			responder := agent.NewResponder(t, cfg.TaskAgent.Channel, id, agent.WithChunkSize(cfg.Agent.ChunkSize))
			responder.RegisterBuiltins()
			if err := responder.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			slog.Info("agent stopping", "name", id.Name)
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return responder.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Agent name matched by destination host lists (default from config or host name)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Split array results into chunks of this many elements")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "Extra agent attribute key=value (repeatable)")
	return cmd
}
