package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client — HTTP-клиент Telegram Bot API.
//
// Транспорт намеренно тонкий: сериализация запроса, разбор обёртки
// ответа, таймауты. Повторы и политика best-effort — ответственность
// вызывающего слоя.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient создаёт клиент Bot API.
// apiURL — базовый адрес API (обычно https://api.telegram.org),
// таймаут клиента должен превышать long polling timeout getUpdates.
func NewClient(apiURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
			},
		},
		logger: logger.With(slog.String("component", "tg_client")),
	}
}

// SendMessage отправляет сообщение в чат.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (*Message, error) {
	var msg Message
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessageText редактирует текст и клавиатуру отправленного
// сообщения.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *InlineKeyboardMarkup) error {
	return c.call(ctx, "editMessageText", editMessageRequest{
		ChatID:      chatID,
		MessageID:   messageID,
		Text:        text,
		ReplyMarkup: markup,
	}, nil)
}

// AnswerCallbackQuery подтверждает нажатие инлайн-кнопки.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackRequest{
		CallbackQueryID: callbackID,
		Text:            text,
	}, nil)
}

// GetUpdates выполняет long polling обновлений начиная с offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", getUpdatesRequest{
		Offset:         offset,
		Timeout:        timeoutSec,
		AllowedUpdates: []string{"message", "callback_query"},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// call выполняет один вызов метода Bot API.
func (c *Client) call(ctx context.Context, method string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("сериализация запроса %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("чтение ответа %s: %w", method, err)
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		return fmt.Errorf("разбор ответа %s (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !api.OK {
		return fmt.Errorf("%s: API ответил ошибкой %d: %s", method, api.ErrorCode, api.Description)
	}
	if result != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, result); err != nil {
			return fmt.Errorf("разбор результата %s: %w", method, err)
		}
	}
	return nil
}
