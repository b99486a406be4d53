package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
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
	"github.com/relaywing/agentcore/internal/providers"
	"github.com/relaywing/agentcore/internal/store"
	"github.com/relaywing/agentcore/internal/telegram"
	"github.com/relaywing/agentcore/internal/tools"
	"github.com/relaywing/agentcore/internal/tracing"
	"github.com/relaywing/agentcore/internal/workpool"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram-facing agent service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// runServe wires config → store → registry → provider drivers → agent loop
// → the Telegram transport, and blocks until SIGINT/SIGTERM.
func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

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

	botIdentity, err := telegram.FetchIdentity(ctx, cfg.BotToken)
	if err != nil {
		return fmt.Errorf("resolve bot identity: %w", err)
	}

	proDriver, liteCaller, err := buildDrivers(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build provider drivers: %w", err)
	}

	var preFilter *prefilter.PreFilter
	if liteCaller != nil {
		preFilter = prefilter.New(liteCaller, rate.NewLimiter(rate.Every(time.Second), 5))
	}

	registry := tools.NewRegistry()
	pool := workpool.New(0)
	dispatcher := tools.NewDispatcher(registry, pool)

	var transport *telegram.Transport
	tools.RegisterCommunicationTool(registry, func(ctx context.Context, chatID model.ChatId, text string) error {
		return transport.Send(ctx, chatID, text)
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
		BotIdentity:      botIdentity,
		MaxProSteps:      cfg.MaxProFCSteps,
		HistoryLength:    cfg.MaxHistoryLength,
		Escape:           escape.Text,
		IsAdmin:          func(id model.UserId) bool { return cfg.IsAdmin(int64(id)) },
	})

	if cfg.ProFuncDeclFile != "" {
		watchErr := config.WatchFile(ctx, cfg.ProFuncDeclFile, func() {
			reloaded, err := tools.LoadDeclarations(cfg.ProFuncDeclFile)
			if err != nil {
				slog.Warn("tool declarations reload failed, keeping previous set", "error", err)
				return
			}
			loop.SetToolDeclarations(reloaded)
			slog.Info("reloaded tool declarations", "path", cfg.ProFuncDeclFile, "count", len(reloaded))
		})
		if watchErr != nil {
			slog.Warn("tool declarations hot-reload unavailable", "path", cfg.ProFuncDeclFile, "error", watchErr)
		}
	}

	if cfg.ProPromptFile != "" {
		watchErr := config.WatchFile(ctx, cfg.ProPromptFile, func() {
			reloaded, err := readPromptFile(cfg.ProPromptFile)
			if err != nil {
				slog.Warn("pro prompt reload failed, keeping previous prompt", "error", err)
				return
			}
			loop.SetProSystemPrompt(reloaded)
			slog.Info("reloaded pro system prompt", "path", cfg.ProPromptFile)
		})
		if watchErr != nil {
			slog.Warn("pro prompt hot-reload unavailable", "path", cfg.ProPromptFile, "error", watchErr)
		}
	}

	if liteCaller, ok := liteCaller.(*prefilter.GeminiLiteCaller); ok && cfg.LitePromptFile != "" {
		watchErr := config.WatchFile(ctx, cfg.LitePromptFile, func() {
			reloaded, err := readPromptFile(cfg.LitePromptFile)
			if err != nil {
				slog.Warn("lite prompt reload failed, keeping previous prompt", "error", err)
				return
			}
			liteCaller.SetSystemPrompt(reloaded)
			slog.Info("reloaded lite system prompt", "path", cfg.LitePromptFile)
		})
		if watchErr != nil {
			slog.Warn("lite prompt hot-reload unavailable", "path", cfg.LitePromptFile, "error", watchErr)
		}
	}

	handler := func(ctx context.Context, msg model.InboundMessage) (*string, error) {
		result, err := loop.Run(ctx, msg)
		if err != nil {
			return nil, err
		}
		return result.Text, nil
	}

	transport, err = telegram.New(cfg.BotToken, botIdentity.Username, handler)
	if err != nil {
		return fmt.Errorf("build telegram transport: %w", err)
	}

	slog.Info("agentcore starting", "version", Version, "bot_username", botIdentity.Username)
	if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("telegram transport: %w", err)
	}
	slog.Info("agentcore shutting down")
	return nil
}

// buildDrivers selects Gemini or OpenAI for the pro driver depending on
// which credentials are configured, preferring Gemini when both are present
// since it is also what the Pre-Filter's lite model needs. liteCaller is nil
// (disabling the Pre-Filter) when no Google API keys are configured.
func buildDrivers(ctx context.Context, cfg config.Config) (providers.Driver, prefilter.Caller, error) {
	if len(cfg.GoogleAPIKeys) > 0 {
		rotator := providers.NewKeyRotator(len(cfg.GoogleAPIKeys))
		proDriver, err := providers.NewGeminiDriver(ctx, cfg.GoogleAPIKeys, cfg.ProModelName, rotator)
		if err != nil {
			return nil, nil, fmt.Errorf("new gemini driver: %w", err)
		}
		litePrompt, err := readPromptFile(cfg.LitePromptFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read lite prompt file: %w", err)
		}
		liteCaller, err := prefilter.NewGeminiLiteCaller(ctx, cfg.GoogleAPIKeys, cfg.LiteModelName, rotator, litePrompt)
		if err != nil {
			return nil, nil, fmt.Errorf("new gemini lite caller: %w", err)
		}
		return proDriver, liteCaller, nil
	}
	if cfg.OpenAIAPIKey != "" {
		rotator := providers.NewKeyRotator(1)
		proDriver, err := providers.NewOpenAIDriver([]string{cfg.OpenAIAPIKey}, cfg.ProModelName, rotator, cfg.OpenAIOrganizationID)
		if err != nil {
			return nil, nil, fmt.Errorf("new openai driver: %w", err)
		}
		return proDriver, nil, nil
	}
	return nil, nil, fmt.Errorf("no provider configured: set google_api_keys or openai_api_key")
}

// readPromptFile returns the trimmed contents of path, or "" if path is
// unset (lite_prompt_file/pro_prompt_file are both optional, spec §6).
func readPromptFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(contents)), nil
}

// lookupWeather is the concrete get_current_weather side effect
// (SPEC_FULL.md's "illustrative external-side-effect tool"). It calls
// Open-Meteo's public geocoding + forecast endpoints, which need no API key,
// so no third-party weather SDK exists in the retrieved pack to ground this
// on — net/http is the right tool for one unauthenticated GET/JSON read.
func lookupWeather(ctx context.Context, location string) (map[string]any, error) {
	lat, lon, err := geocode(ctx, location)
	if err != nil {
		return nil, err
	}
	forecastURL := fmt.Sprintf(
		"https://api.open-meteo.com/v1/forecast?latitude=%f&longitude=%f&current=temperature_2m,weather_code",
		lat, lon,
	)
	var forecast struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			WeatherCode int     `json:"weather_code"`
		} `json:"current"`
	}
	if err := getJSON(ctx, forecastURL, &forecast); err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}
	return map[string]any{
		"location":     location,
		"temperature":  forecast.Current.Temperature,
		"weather_code": forecast.Current.WeatherCode,
	}, nil
}

func geocode(ctx context.Context, location string) (lat, lon float64, err error) {
	geocodeURL := "https://geocoding-api.open-meteo.com/v1/search?count=1&name=" + url.QueryEscape(location)
	var geo struct {
		Results []struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := getJSON(ctx, geocodeURL, &geo); err != nil {
		return 0, 0, fmt.Errorf("geocode %q: %w", location, err)
	}
	if len(geo.Results) == 0 {
		return 0, 0, fmt.Errorf("no location found for %q", location)
	}
	return geo.Results[0].Latitude, geo.Results[0].Longitude, nil
}

func getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
