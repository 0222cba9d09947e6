package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"crypto-futures-bot/internal/events"
)

// Type classifies a notification
type Type string

const (
	NotifyTradeOpen  Type = "trade_open"
	NotifyTradeClose Type = "trade_close"
	NotifyBreaker    Type = "breaker"
	NotifySentinel   Type = "sentinel"
	NotifyError      Type = "error"
	NotifyInfo       Type = "info"
)

// Notification represents a notification message
type Notification struct {
	Type       Type
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to the configured providers. It
// subscribes to the event bus, so the trading core never blocks on or
// even knows about delivery.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewManager creates a notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "Notifications").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Attach subscribes the manager to the domain events worth alerting on
func (m *Manager) Attach(bus *events.Bus) {
	bus.Subscribe(events.EventPositionOpened, m.onPositionOpened)
	bus.Subscribe(events.EventPositionClosed, m.onPositionClosed)
	bus.Subscribe(events.EventCircuitBreakerTripped, m.onBreakerTripped)
	bus.Subscribe(events.EventCircuitBreakerResumed, m.onBreakerResumed)
	bus.Subscribe(events.EventSentinelResolved, m.onSentinelResolved)
	bus.Subscribe(events.EventInvariantViolation, m.onInvariantViolation)
}

// Send delivers a notification to every enabled provider. Delivery
// failures are logged, never propagated.
func (m *Manager) Send(notification *Notification) {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Warn().Err(err).Str("provider", n.Name()).Msg("notification delivery failed")
		}
	}
}

func (m *Manager) onPositionOpened(event events.Event) {
	m.Send(&Notification{
		Type:   NotifyTradeOpen,
		Title:  fmt.Sprintf("📈 Candidate Opened: %s", event.Symbol),
		Symbol: event.Symbol,
		Message: fmt.Sprintf("%v %s\nScore: %v\nCapital: %v",
			event.Data["direction"], event.Symbol, event.Data["score"], event.Data["capital"]),
	})
}

func (m *Manager) onPositionClosed(event events.Event) {
	pnl, _ := event.Data["pnl"].(float64)
	pnlPct, _ := event.Data["pnl_percent"].(float64)
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	m.Send(&Notification{
		Type:       NotifyTradeClose,
		Title:      fmt.Sprintf("%s Position Closed: %s", emoji, event.Symbol),
		Symbol:     event.Symbol,
		PnL:        pnl,
		PnLPercent: pnlPct,
		Message: fmt.Sprintf("Entry: %v → Exit: %v\nP&L: %.4f (%.2f%%)\nReason: %v",
			event.Data["entry_price"], event.Data["exit_price"], pnl, pnlPct, event.Data["reason"]),
	})
}

func (m *Manager) onBreakerTripped(event events.Event) {
	m.Send(&Notification{
		Type:    NotifyBreaker,
		Title:   "🛑 Circuit Breaker Tripped",
		Message: fmt.Sprintf("New entries halted.\n%v\nHeld positions remain under exit supervision.", event.Data["reason"]),
	})
}

func (m *Manager) onBreakerResumed(event events.Event) {
	m.Send(&Notification{
		Type:    NotifyBreaker,
		Title:   "🟢 Trading Direction Resumed",
		Message: fmt.Sprintf("Direction %v re-enabled (fully resumed: %v)", event.Data["direction"], event.Data["fully_resumed"]),
	})
}

func (m *Manager) onSentinelResolved(event events.Event) {
	m.Send(&Notification{
		Type:   NotifySentinel,
		Title:  fmt.Sprintf("👁 Sentinel %v: %s", event.Data["status"], event.Symbol),
		Symbol: event.Symbol,
		Message: fmt.Sprintf("%v shadow trade resolved %v\nConsecutive wins: %v",
			event.Data["direction"], event.Data["status"], event.Data["consecutive_wins"]),
	})
}

func (m *Manager) onInvariantViolation(event events.Event) {
	m.Send(&Notification{
		Type:    NotifyError,
		Title:   fmt.Sprintf("⚠️ Invariant Violation: %s", event.Symbol),
		Symbol:  event.Symbol,
		Message: fmt.Sprintf("%v\nPosition force-closed.", event.Data["detail"]),
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError || (notification.Type == NotifyTradeClose && notification.PnL < 0) {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.4f (%.2f%%)", notification.PnL, notification.PnLPercent), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
