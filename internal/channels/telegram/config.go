package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Config holds the Telegram bot configuration.
type Config struct {
	Enabled  bool   `toml:"enabled" json:"enabled"`
	BotToken string `toml:"botToken" json:"-"`
}

// TestToken validates a Telegram bot token by calling getMe.
func TestToken(token string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("https://api.telegram.org/bot%s/getMe", token)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if !result.OK {
		return "", fmt.Errorf("invalid token: %s", result.Description)
	}

	L_debug("telegram: validated token", "username", result.Result.Username)
	return result.Result.Username, nil
}
