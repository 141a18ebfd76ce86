package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/Sriram-PR/telescraper/pkg/config"
	"github.com/Sriram-PR/telescraper/pkg/models"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// Notifier announces a newly stored link
type Notifier interface {
	Notify(ctx context.Context, rec models.LinkRecord) error
}

// TelegramNotifier posts new links to a chat through the Telegram Bot API.
// Sends are spaced by BotConfig.SendDelay and guarded by a circuit breaker.
type TelegramNotifier struct {
	client   *http.Client
	endpoint string // sendMessage URL, contains the bot token: never log it
	chatID   string
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[struct{}]
	log      *logrus.Entry
}

// sendMessageRequest is the subset of the Bot API sendMessage body we use
type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewTelegramNotifier builds a notifier from a validated bot config
func NewTelegramNotifier(cfg config.BotConfig, client *http.Client, logger *logrus.Entry) *TelegramNotifier {
	notifyLog := logger.WithField("component", "notifier")

	limit := rate.Inf
	if cfg.SendDelay > 0 {
		limit = rate.Every(cfg.SendDelay)
	}
	maxFailures := uint32(cfg.MaxFailures)
	if maxFailures == 0 {
		maxFailures = 1
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "telegram-bot",
		MaxRequests: 1, // one probe while half-open
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			notifyLog.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Notifier circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &TelegramNotifier{
		client:   client,
		endpoint: strings.TrimRight(cfg.APIBaseURL, "/") + "/bot" + cfg.Token + "/sendMessage",
		chatID:   cfg.ChatID,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breaker,
		log:      notifyLog,
	}
}

// State reports the circuit breaker state
func (n *TelegramNotifier) State() gobreaker.State {
	return n.breaker.State()
}

// Notify sends the link announcement, waiting for the send pacing first.
func (n *TelegramNotifier) Notify(ctx context.Context, rec models.LinkRecord) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := n.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, n.send(ctx, FormatMessage(rec))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open, dropping %s: %w", utils.ErrNotifier, rec.Link, err)
		}
		return err
	}
	n.log.WithField("link", rec.Link).Info("Sent link to Telegram")
	return nil
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    n.chatID,
		Text:      text,
		ParseMode: "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", utils.ErrNotifier, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", utils.ErrNotifier, redactURLError(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", utils.ErrNotifier, redactURLError(err))
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if jsonErr := json.Unmarshal(raw, &apiResp); jsonErr != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("%w: decode response: %v", utils.ErrNotifier, jsonErr)
	}
	if resp.StatusCode != http.StatusOK || !apiResp.OK {
		desc := apiResp.Description
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		if strings.Contains(desc, "chat not found") {
			n.log.Error("Check that the bot token and chat_id are correct and the bot was added to the chat.")
		}
		return fmt.Errorf("%w: sendMessage status %d: %s", utils.ErrNotifier, resp.StatusCode, desc)
	}
	return nil
}

// redactURLError drops the request URL, which embeds the bot token
func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}

// FormatMessage renders the MarkdownV2 announcement for rec
func FormatMessage(rec models.LinkRecord) string {
	return "🔗 *New Link Found\\!* \n\n*Link:* " + EscapeMarkdownV2(rec.Link) + "\n"
}

var markdownV2Replacer = strings.NewReplacer(
	`\`, `\\`,
	`_`, `\_`, `*`, `\*`, `[`, `\[`, `]`, `\]`, `(`, `\(`, `)`, `\)`,
	`~`, `\~`, "`", "\\`", `>`, `\>`, `#`, `\#`, `+`, `\+`, `-`, `\-`,
	`=`, `\=`, `|`, `\|`, `{`, `\{`, `}`, `\}`, `.`, `\.`, `!`, `\!`,
)

// EscapeMarkdownV2 escapes every character MarkdownV2 reserves
func EscapeMarkdownV2(s string) string {
	return markdownV2Replacer.Replace(s)
}
