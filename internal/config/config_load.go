package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads a JSON5 config file (if path is non-empty and exists), starts
// from Default(), and applies environment overrides on top — matching the
// teacher's Default()+Load()+applyEnvOverrides() three-stage pattern.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("read config file: %w", err)
			}
			if err := json5.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.BotToken == "" {
		return cfg, fmt.Errorf("config: bot_token is required")
	}
	return cfg, nil
}

// applyEnvOverrides layers AGENTCORE_*-prefixed environment variables over
// whatever the file (or Default()) provided, matching the teacher's
// env-closure overlay pattern.
func applyEnvOverrides(cfg *Config) {
	envStr := func(key string, set func(string)) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			set(v)
		}
	}
	envInt := func(key string, set func(int)) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				set(n)
			}
		}
	}
	envCSV := func(key string, set func([]string)) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if t := strings.TrimSpace(p); t != "" {
					out = append(out, t)
				}
			}
			set(out)
		}
	}
	envIntCSV := func(key string, set func([]int64)) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			parts := strings.Split(v, ",")
			out := make([]int64, 0, len(parts))
			for _, p := range parts {
				if n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil {
					out = append(out, n)
				}
			}
			set(out)
		}
	}

	envStr("AGENTCORE_BOT_TOKEN", func(v string) { cfg.BotToken = v })
	envIntCSV("AGENTCORE_ADMIN_IDS", func(v []int64) { cfg.AdminIDs = v })
	envCSV("AGENTCORE_GOOGLE_API_KEYS", func(v []string) { cfg.GoogleAPIKeys = v })
	envStr("AGENTCORE_OPENAI_API_KEY", func(v string) { cfg.OpenAIAPIKey = v })
	envStr("AGENTCORE_OPENAI_ORGANIZATION_ID", func(v string) { cfg.OpenAIOrganizationID = v })
	envStr("AGENTCORE_LITE_MODEL_NAME", func(v string) { cfg.LiteModelName = v })
	envStr("AGENTCORE_PRO_MODEL_NAME", func(v string) { cfg.ProModelName = v })
	envStr("AGENTCORE_LITE_PROMPT_FILE", func(v string) { cfg.LitePromptFile = v })
	envStr("AGENTCORE_PRO_PROMPT_FILE", func(v string) { cfg.ProPromptFile = v })
	envStr("AGENTCORE_PRO_FUNC_DECL_FILE", func(v string) { cfg.ProFuncDeclFile = v })
	envInt("AGENTCORE_MAX_PRO_FC_STEPS", func(v int) { cfg.MaxProFCSteps = v })
	envInt("AGENTCORE_MAX_HISTORY_LENGTH", func(v int) { cfg.MaxHistoryLength = v })
	envInt("AGENTCORE_SCRIPT_TIMEOUT_SECONDS", func(v int) { cfg.ScriptTimeoutSeconds = v })
	envInt("AGENTCORE_COMMAND_TIMEOUT_SECONDS", func(v int) { cfg.CommandTimeoutSeconds = v })
	envInt("AGENTCORE_MAX_READ_SIZE_BYTES", func(v int) { cfg.MaxReadSizeBytes = v })
	envInt("AGENTCORE_MAX_WRITE_SIZE_BYTES", func(v int) { cfg.MaxWriteSizeBytes = v })
	envInt("AGENTCORE_MAX_SCRIPT_OUTPUT_LEN", func(v int) { cfg.MaxScriptOutputLen = v })
	envInt("AGENTCORE_MAX_COMMAND_OUTPUT_LEN", func(v int) { cfg.MaxCommandOutputLen = v })
	envStr("AGENTCORE_ENVIRONMENT_DIR", func(v string) { cfg.EnvironmentDir = v })
	envStr("AGENTCORE_DATABASE_PATH", func(v string) { cfg.Database.Path = v })
	envStr("AGENTCORE_TELEMETRY_EXPORTER", func(v string) { cfg.Telemetry.Exporter = v })
	envStr("AGENTCORE_TELEMETRY_ENDPOINT", func(v string) { cfg.Telemetry.Endpoint = v })
}

// IsAdmin reports whether userID is in the configured admin set.
func (c Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
