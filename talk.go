package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/room4-2/voicetasks/audio"
	"github.com/room4-2/voicetasks/config"
	"github.com/room4-2/voicetasks/messages"
	"github.com/room4-2/voicetasks/ranking"
	"github.com/room4-2/voicetasks/realtime"
	"github.com/room4-2/voicetasks/session"
	"github.com/room4-2/voicetasks/tasks"
	"github.com/room4-2/voicetasks/transcript"
)

type talkFlags struct {
	greet     bool
	noSpeaker bool
	tasksURL  string
}

func newTalkCmd() *cobra.Command {
	var flags talkFlags
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Start a voice session; press Enter to start and stop speaking",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			return runTalk(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.greet, "greet", false, "let the assistant speak first")
	cmd.Flags().BoolVar(&flags.noSpeaker, "no-speaker", false, "do not play assistant audio")
	cmd.Flags().StringVar(&flags.tasksURL, "tasks-url", "", "task app base URL (default TASKS_API_URL, in-memory when empty)")
	return cmd
}

func loadConfig(cmd *cobra.Command, flags talkFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("greet") {
		cfg.Greet = flags.greet
	}
	if cmd.Flags().Changed("no-speaker") {
		cfg.NoSpeaker = flags.noSpeaker
	}
	if flags.tasksURL != "" {
		cfg.TasksAPIURL = flags.tasksURL
	}
	return cfg, nil
}

func credentialSource(cfg *config.Config) realtime.CredentialSource {
	if cfg.TokenURL != "" {
		return realtime.TokenEndpoint{
			URL:        cfg.TokenURL,
			Token:      cfg.TokenAuth,
			APIVersion: cfg.APIVersion,
		}
	}
	return realtime.StaticCredentials{
		Endpoint:   cfg.Endpoint,
		APIKey:     cfg.APIKey,
		Deployment: cfg.Deployment,
		APIVersion: cfg.APIVersion,
	}
}

func taskStore(cfg *config.Config, log pslog.Logger) tasks.Store {
	if cfg.TasksAPIURL == "" {
		log.Warn("TASKS_API_URL not set, using an in-memory task list")
		return tasks.NewMemoryStore()
	}
	return tasks.NewHTTPStore(tasks.HTTPStoreOptions{
		BaseURL: cfg.TasksAPIURL,
		Token:   cfg.TasksAPIToken,
		Timeout: cfg.StoreTimeout,
	})
}

func taskRanker(ctx context.Context, cfg *config.Config, log pslog.Logger) ranking.Ranker {
	if cfg.GeminiAPIKey == "" {
		return ranking.KeywordRanker{}
	}
	gemini, err := ranking.NewGeminiRanker(ctx, cfg.GeminiAPIKey, cfg.RankerModel)
	if err != nil {
		log.Warn("gemini ranker unavailable, using keyword search", "err", err)
		return ranking.KeywordRanker{}
	}
	return ranking.Fallback{Primary: gemini, Secondary: ranking.KeywordRanker{}, Log: log}
}

func runTalk(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	log := pslog.Ctx(ctx)
	if err := cfg.Validate(); err != nil {
		return err
	}

	registry := session.NewRegistry(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.SessionTimeout, log)
	defer registry.Shutdown()

	s, err := session.New(session.Deps{
		Credentials: credentialSource(cfg),
		Store:       taskStore(cfg, log),
		Ranker:      taskRanker(ctx, cfg, log),
		Capture: audio.FFmpegSource{
			Path:   cfg.FFmpegPath,
			Format: cfg.CaptureFormat,
			Device: cfg.CaptureDevice,
			Log:    log,
		},
		Playback: audio.FFPlayOptions{
			Path:   cfg.FFPlayPath,
			Silent: cfg.NoSpeaker,
			Log:    log,
		}.Opener(),
		Registry: registry,
		Log:      log,
	}, session.Options{
		Voice:        cfg.Voice,
		Greet:        cfg.Greet,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}

	s.Turns().Subscribe(func(t transcript.Turn) {
		fmt.Fprintf(out, "%s: %s\n", t.Role, t.Text)
	})
	s.Events().FunctionCall.Subscribe(func(call messages.FunctionCall) {
		fmt.Fprintf(out, "  [%s %s]\n", call.Name, call.Arguments)
	})
	s.Events().Error.Subscribe(func(e messages.ServerError) {
		fmt.Fprintf(out, "  [error: %s]\n", e.Message)
	})

	if err := s.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Connected. Press Enter to talk, Enter again to send, q to quit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	err = talkLoop(ctx, s, lines, out)

	s.Disconnect()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		log.Warn("timed out waiting for session teardown")
	}
	return err
}

func talkLoop(ctx context.Context, s *session.Session, lines <-chan string, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			fmt.Fprintln(out, "Session closed.")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "q", "quit", "exit":
				return nil
			}
			recording, err := s.ToggleRecording(ctx)
			if err != nil {
				fmt.Fprintf(out, "  [microphone: %v]\n", err)
				continue
			}
			if recording {
				fmt.Fprintln(out, "  ... listening (Enter to send)")
			} else {
				fmt.Fprintln(out, "  ... sent")
			}
		}
	}
}
