package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metalwatch/internal/market"
	"metalwatch/internal/storage"
)

// Notification 封装一次阈值触发的上下文。
type Notification struct {
	EventID        int64
	AlertID        int64
	UserID         string
	Instrument     market.Instrument
	Condition      storage.Condition
	// Currency 仅为规则上的币种标签；TriggeredPrice 始终是 USD 价格。
	Currency       market.Currency
	TargetPrice    decimal.Decimal
	TriggeredPrice decimal.Decimal
	TriggeredAt    time.Time
	Source         string
	Channels       []string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the trigger.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().
		Int64("alert_id", note.AlertID).
		Int64("event_id", note.EventID).
		Str("instrument", string(note.Instrument)).
		Str("condition", string(note.Condition)).
		Str("target", note.TargetPrice.String()).
		Str("price", note.TriggeredPrice.String()).
		Str("currency", string(note.Currency)).
		Msg("price alert triggered")
	return nil
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Int64("alert_id", note.AlertID).
		Str("instrument", string(note.Instrument)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Metal Price Alert]\n")
	builder.WriteString(fmt.Sprintf("Metal: %s\n", note.Instrument))
	builder.WriteString(fmt.Sprintf("Rule: %s %s %s\n", note.Condition, note.TargetPrice.StringFixed(2), note.Currency))
	builder.WriteString(fmt.Sprintf("Price: %s %s\n", note.TriggeredPrice.StringFixed(2), market.BaseCurrency))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.TriggeredAt.UTC().Format(time.RFC3339)))
	if note.Source != "" {
		builder.WriteString(fmt.Sprintf("Source: %s\n", note.Source))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
