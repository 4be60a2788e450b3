package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Secrets are read from the environment only; they never live in config.json.
type Secrets struct {
	OpenAIAPIKey     string
	GoogleAPIKey     string
	TelegramBotToken string
	TelnyxAPIKey     string
	SMTPPassword     string
}

// LoadEnv loads .env files into the process environment without overriding
// variables that are already set. Missing files are skipped.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func LoadSecrets() Secrets {
	return Secrets{
		OpenAIAPIKey:     env("OPENAI_API_KEY"),
		GoogleAPIKey:     env("GOOGLE_API_KEY"),
		TelegramBotToken: env("TELEGRAM_BOT_TOKEN"),
		TelnyxAPIKey:     env("TELNYX_API_KEY"),
		SMTPPassword:     env("SMTP_PASSWORD"),
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
