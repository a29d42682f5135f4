// Package notify pushes run outcomes to chat channels and records every
// delivery attempt alongside the telemetry.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"droptrace/internal/domain"
	"droptrace/internal/repo"
)

// Config holds channel endpoints. Empty endpoints disable the channel.
type Config struct {
	DiscordWebhook   string `yaml:"discord_webhook"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

func (c Config) Enabled() bool {
	return c.DiscordWebhook != "" || (c.TelegramBotToken != "" && c.TelegramChatID != "")
}

type Notifier struct {
	Repo *repo.Repo
	Log  *slog.Logger

	cfg    Config
	client *http.Client
}

func New(cfg Config, r *repo.Repo, log *slog.Logger) *Notifier {
	return &Notifier{
		Repo:   r,
		Log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifySuccess announces a successful checkout.
func (n *Notifier) NotifySuccess(ctx context.Context, run domain.Run, orderID string) {
	msg := fmt.Sprintf("✅ %s checkout succeeded (%s", run.Platform, run.BotType)
	if run.TargetProduct != "" {
		msg += ", " + run.TargetProduct
	}
	msg += ")"
	if orderID != "" {
		msg += " order " + orderID
	}
	n.send(ctx, run.ID, "success", msg)
}

// NotifyFailure announces a failed run with its reason.
func (n *Notifier) NotifyFailure(ctx context.Context, run domain.Run, reason string) {
	msg := fmt.Sprintf("❌ %s run failed (%s)", run.Platform, run.BotType)
	if reason != "" {
		msg += ": " + reason
	}
	n.send(ctx, run.ID, "failure", msg)
}

// NotifyRestock announces that a watched product came back in stock.
func (n *Notifier) NotifyRestock(ctx context.Context, platform, product string) {
	n.send(ctx, "", "restock",
		fmt.Sprintf("🔔 %s restock: %s", platform, product))
}

// NotifyDetection warns that a platform flagged the automation.
func (n *Notifier) NotifyDetection(ctx context.Context, run domain.Run) {
	n.send(ctx, run.ID, "detection",
		fmt.Sprintf("⚠️ %s detection triggered (%s)", run.Platform, run.BotType))
}

// send fans the message out to every configured channel and records one
// notification row per delivery attempt. Delivery failures are logged, not
// returned: notifications never block the run path.
func (n *Notifier) send(ctx context.Context, runID, kind, message string) {
	type channel struct {
		name string
		post func(context.Context, string) error
	}
	var channels []channel
	if n.cfg.DiscordWebhook != "" {
		channels = append(channels, channel{"discord", n.postDiscord})
	}
	if n.cfg.TelegramBotToken != "" && n.cfg.TelegramChatID != "" {
		channels = append(channels, channel{"telegram", n.postTelegram})
	}
	for _, ch := range channels {
		err := ch.post(ctx, message)
		if err != nil {
			n.Log.Warn("notification delivery failed",
				"channel", ch.name, "type", kind, "error", err)
		}
		if _, rerr := n.Repo.InsertNotification(ctx, domain.Notification{
			RunID:   runID,
			Type:    kind,
			Channel: ch.name,
			Message: message,
			Success: err == nil,
		}); rerr != nil {
			n.Log.Warn("notification record failed", "channel", ch.name, "error", rerr)
		}
	}
}

func (n *Notifier) postDiscord(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return err
	}
	return n.post(ctx, n.cfg.DiscordWebhook, body)
}

func (n *Notifier) postTelegram(ctx context.Context, message string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage",
		url.PathEscape(n.cfg.TelegramBotToken))
	body, err := json.Marshal(map[string]string{
		"chat_id": n.cfg.TelegramChatID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	return n.post(ctx, endpoint, body)
}

func (n *Notifier) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
