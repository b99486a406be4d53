package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/relaywing/agentcore/internal/agent"
	"github.com/relaywing/agentcore/internal/config"
	"github.com/relaywing/agentcore/internal/escape"
	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/prefilter"
	"github.com/relaywing/agentcore/internal/store"
	"github.com/relaywing/agentcore/internal/tools"
	"github.com/relaywing/agentcore/internal/tracing"
	"github.com/relaywing/agentcore/internal/workpool"
)

// chatCmd runs the Agent Loop against stdin/stdout instead of Telegram, for
// local development and manual testing without a bot token.
func chatCmd() *cobra.Command {
	var chatID, userID int64
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against the agent loop over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(chatID, userID)
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat-id", 1, "chat id to use for this session")
	cmd.Flags().Int64Var(&userID, "user-id", 1, "user id to use for this session")
	return cmd
}

func runChat(chatID, userID int64) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	proDriver, liteCaller, err := buildDrivers(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build provider drivers: %w", err)
	}

	var preFilter *prefilter.PreFilter
	if liteCaller != nil {
		preFilter = prefilter.New(liteCaller, rate.NewLimiter(rate.Every(time.Second), 5))
	}

	registry := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(registry, workpool.New(0))

	tools.RegisterCommunicationTool(registry, func(ctx context.Context, chatID model.ChatId, text string) error {
		fmt.Printf("\n%s\n\n", text)
		return nil
	})
	tools.RegisterRememberUserInfo(registry, db)
	tools.RegisterWeatherTool(registry, lookupWeather)
	tools.RegisterShellTool(registry, tools.ShellLimits{
		Timeout:        time.Duration(cfg.CommandTimeoutSeconds) * time.Second,
		MaxOutputBytes: cfg.MaxCommandOutputLen,
	})
	fileLimits := tools.FileEnvironmentLimits{MaxReadBytes: cfg.MaxReadSizeBytes, MaxWriteBytes: cfg.MaxWriteSizeBytes}
	tools.RegisterReadFileTool(registry, cfg.EnvironmentDir, fileLimits)
	tools.RegisterWriteFileTool(registry, cfg.EnvironmentDir, fileLimits)
	tools.RegisterScriptTool(registry, cfg.EnvironmentDir, "python3", tools.ShellLimits{
		Timeout:        time.Duration(cfg.ScriptTimeoutSeconds) * time.Second,
		MaxOutputBytes: cfg.MaxScriptOutputLen,
	})

	var declarations []tools.ToolDeclaration
	if cfg.ProFuncDeclFile != "" {
		declarations, err = tools.LoadDeclarations(cfg.ProFuncDeclFile)
		if err != nil {
			return fmt.Errorf("load tool declarations: %w", err)
		}
	}

	proPrompt, err := readPromptFile(cfg.ProPromptFile)
	if err != nil {
		return fmt.Errorf("read pro prompt file: %w", err)
	}

	loop := agent.New(agent.Config{
		Store:            db,
		ProDriver:        proDriver,
		PreFilter:        preFilter,
		Registry:         registry,
		Dispatcher:       dispatcher,
		ToolDeclarations: declarations,
		ProSystemPrompt:  proPrompt,
		BotIdentity:      model.BotIdentity{UserID: model.UserId(userID), Username: "cli"},
		MaxProSteps:      cfg.MaxProFCSteps,
		HistoryLength:    cfg.MaxHistoryLength,
		Escape:           escape.Text,
		IsAdmin:          func(id model.UserId) bool { return cfg.IsAdmin(int64(id)) },
	})

	fmt.Fprintln(os.Stderr, "agentcore interactive chat — type \"exit\" to quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\ngoodbye")
			return nil
		default:
		}

		fmt.Fprint(os.Stderr, "you: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return nil
		}

		result, err := loop.Run(ctx, model.InboundMessage{
			ChatID:   model.ChatId(chatID),
			UserID:   model.UserId(userID),
			ChatType: model.ChatPrivate,
			Text:     text,
			ForcePro: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			continue
		}
		if result.Text != nil {
			fmt.Printf("\n%s\n\n", *result.Text)
		}
	}
}
