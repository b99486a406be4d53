// Package config loads process configuration from a JSON5 file plus
// environment overrides, in the shape spec §6 enumerates.
package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts a JSON array of strings, or a mixed array
// whose numbers and other values are formatted into strings. A bare JSON
// string (comma-separated or not) is rejected with an error.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root process configuration (spec §6).
type Config struct {
	BotToken string  `json:"bot_token"`
	AdminIDs []int64 `json:"admin_ids,omitempty"`

	GoogleAPIKeys       []string `json:"google_api_keys,omitempty"`
	OpenAIAPIKey        string   `json:"openai_api_key,omitempty"`
	OpenAIOrganizationID string  `json:"openai_organization_id,omitempty"`

	LiteModelName   string `json:"lite_model_name"`
	ProModelName    string `json:"pro_model_name"`
	LitePromptFile  string `json:"lite_prompt_file"`
	ProPromptFile   string `json:"pro_prompt_file"`
	ProFuncDeclFile string `json:"pro_func_decl_file"`

	MaxProFCSteps    int `json:"max_pro_fc_steps"`
	MaxHistoryLength int `json:"max_history_length"`

	ScriptTimeoutSeconds  int `json:"script_timeout_seconds"`
	CommandTimeoutSeconds int `json:"command_timeout_seconds"`
	MaxReadSizeBytes      int `json:"max_read_size_bytes"`
	MaxWriteSizeBytes     int `json:"max_write_size_bytes"`
	MaxScriptOutputLen    int `json:"max_script_output_len"`
	MaxCommandOutputLen   int `json:"max_command_output_len"`

	// EnvironmentDir is the root directory read_file_from_env/write_file_to_env
	// resolve per-chat subdirectories under (SPEC_FULL.md §10).
	EnvironmentDir string `json:"environment_dir,omitempty"`

	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// DatabaseConfig points at the embedded History Store file (SPEC_FULL.md §6).
type DatabaseConfig struct {
	Path string `json:"path"`
}

// TelemetryConfig selects the OpenTelemetry exporter (SPEC_FULL.md §4.8).
// Empty Exporter installs a no-op tracer provider.
type TelemetryConfig struct {
	Exporter string `json:"exporter,omitempty"` // "", "grpc", "http"
	Endpoint string `json:"endpoint,omitempty"`
}

// Default returns the configuration a fresh install starts from.
func Default() Config {
	return Config{
		LiteModelName:         "gemini-1.5-flash",
		ProModelName:          "gemini-1.5-pro",
		MaxProFCSteps:         10,
		MaxHistoryLength:      50,
		ScriptTimeoutSeconds:  3600,
		CommandTimeoutSeconds: 3600,
		MaxReadSizeBytes:      1 << 20,
		MaxWriteSizeBytes:     1 << 20,
		MaxScriptOutputLen:    8000,
		MaxCommandOutputLen:   8000,
		EnvironmentDir:        "environment",
		Database:              DatabaseConfig{Path: "agentcore.db"},
	}
}
