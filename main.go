package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
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

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("voicetasks command failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := newTalkCmd()
	root.Use = "voicetasks"
	root.Short = "Push-to-talk voice assistant for your task list"
	root.SilenceErrors = true
	root.SilenceUsage = true

	root.AddCommand(newTasksCmd())
	return root
}
