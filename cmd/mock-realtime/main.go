package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/config"
	"github.com/room4-2/voicetasks/messages"
	"github.com/room4-2/voicetasks/server"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("mock-realtime failed")
		return 1
	}
	return 0
}

// script is a short conversation that exercises speech, a tool call and
// the tool output being read back
var script = []server.Turn{
	{Say: "Hi! I can add, list or remove tasks for you."},
	{Call: &messages.FunctionCall{Name: "listTasks", Arguments: "{}"}},
	{Say: "Anything else?"},
}

func newRootCmd() *cobra.Command {
	var apiKey string
	var chunk int
	cmd := &cobra.Command{
		Use:           "mock-realtime",
		Short:         "Local stand-in for the realtime speech service",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			srv := server.New(server.Options{
				Addr:      fmt.Sprintf(":%d", cfg.Port),
				APIKey:    apiKey,
				Responder: &server.ScriptedResponder{Turns: script, ChunkBytes: chunk},
				Log:       pslog.Ctx(ctx),
			})

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					pslog.Ctx(ctx).Warn("server shutdown error", "err", err)
				}
			}()

			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require this api-key header")
	cmd.Flags().IntVar(&chunk, "chunk", 4801, "audio delta size in bytes; odd sizes split samples")
	return cmd
}
