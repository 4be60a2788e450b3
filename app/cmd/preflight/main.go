package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	config "switchboard/app/configs"
	"switchboard/app/core/runtime"
)

type report struct {
	Timestamp  string         `json:"timestamp"`
	ConfigPath string         `json:"config_path"`
	Passed     bool           `json:"passed"`
	Error      string         `json:"error,omitempty"`
	Config     config.Config  `json:"config"`
	Secrets    secretPresence `json:"secrets"`
}

type secretPresence struct {
	OpenAIAPIKey     bool `json:"openai_api_key"`
	GoogleAPIKey     bool `json:"google_api_key"`
	TelegramBotToken bool `json:"telegram_bot_token"`
	TelnyxAPIKey     bool `json:"telnyx_api_key"`
	SMTPPassword     bool `json:"smtp_password"`
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to runtime config json")
	envPath := flag.String("env", ".env", "dotenv file loaded before reading secrets")
	outputPath := flag.String("output", "-", "path to write the preflight report (use - for stdout)")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "preflight failed: load env: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preflight failed: load config: %v\n", err)
		os.Exit(2)
	}
	secrets := config.LoadSecrets()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := report{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		ConfigPath: *configPath,
		Passed:     true,
		Config:     cfg,
		Secrets: secretPresence{
			OpenAIAPIKey:     secrets.OpenAIAPIKey != "",
			GoogleAPIKey:     secrets.GoogleAPIKey != "",
			TelegramBotToken: secrets.TelegramBotToken != "",
			TelnyxAPIKey:     secrets.TelnyxAPIKey != "",
			SMTPPassword:     secrets.SMTPPassword != "",
		},
	}
	if err := runtime.RunPreflight(ctx, cfg, secrets); err != nil {
		out.Passed = false
		out.Error = err.Error()
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "preflight failed: marshal report: %v\n", err)
		os.Exit(2)
	}
	payload = append(payload, '\n')

	if *outputPath == "-" {
		if _, err := os.Stdout.Write(payload); err != nil {
			fmt.Fprintf(os.Stderr, "preflight failed: write stdout: %v\n", err)
			os.Exit(2)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(*outputPath), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "preflight failed: create output directory: %v\n", err)
			os.Exit(2)
		}
		if err := os.WriteFile(*outputPath, payload, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "preflight failed: write report: %v\n", err)
			os.Exit(2)
		}
	}

	if !out.Passed {
		fmt.Fprintf(os.Stderr, "preflight gate failed: %s\n", out.Error)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "preflight gate passed")
}
