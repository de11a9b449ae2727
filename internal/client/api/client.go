package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/fieldsync/internal/client/transport"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/pkg/api"
)

// Client представляет HTTP клиент для взаимодействия с сервером синхронизации
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	baseURL    string
	token      string
}

var (
	_ transport.Transport  = (*Client)(nil)
	_ transport.ChangeFeed = (*Client)(nil)
)

// NewClient создает новый API клиент. token передается как Bearer, если не пуст
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Настройка обработки редиректов
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Ограничиваем количество редиректов
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Push отправляет одно намерение. Конфликт версий возвращается как OutcomeConflict, не как ошибка
func (c *Client) Push(ctx context.Context, intent *models.MutationIntent) (*transport.PushResult, error) {
	status, body, err := c.doRequest(ctx, http.MethodPost, "/api/v1/push", api.PushRequestFromIntent(intent))
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		var resp api.PushResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, transport.NewTransient(fmt.Errorf("failed to decode push response: %w", err))
		}
		return &transport.PushResult{
			Outcome:   transport.OutcomeAck,
			Record:    resp.Record.Model(),
			Version:   resp.Version,
			Replay:    resp.Replay,
			CRDTState: resp.CRDTState,
		}, nil

	case http.StatusConflict:
		var resp api.ConflictResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, transport.NewTransient(fmt.Errorf("failed to decode conflict response: %w", err))
		}
		result := &transport.PushResult{
			Outcome:       transport.OutcomeConflict,
			ServerVersion: resp.ServerVersion,
			CRDTState:     resp.CRDTState,
		}
		if resp.ServerData != nil {
			result.ServerRecord = resp.ServerData.Model()
		}
		return result, nil
	}

	return nil, statusError(status, body)
}

// Pull получает страницу изменений после курсора
func (c *Client) Pull(ctx context.Context, cursor string, limit int) (*transport.PullResult, error) {
	query := url.Values{}
	query.Set("cursor", cursor)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	status, body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/pull?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, body)
	}

	var resp api.PullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, transport.NewTransient(fmt.Errorf("failed to decode pull response: %w", err))
	}

	result := &transport.PullResult{
		Records:    make([]transport.RemoteRecord, 0, len(resp.Records)),
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}
	for _, rec := range resp.Records {
		result.Records = append(result.Records, transport.RemoteRecord{
			Record:    rec.Model(),
			CRDTState: rec.CRDTState,
		})
	}

	return result, nil
}

// Health проверяет доступность сервера
func (c *Client) Health(ctx context.Context) error {
	status, body, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError(status, body)
	}
	return nil
}

// Watch подписывается на websocket-ленту изменений и вызывает onChange на каждое событие.
// Возвращает nil после отмены ctx
func (c *Client) Watch(ctx context.Context, onChange func(cursor string)) error {
	wsURL, err := websocketURL(c.baseURL + "/api/v1/changes")
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return transport.FromStatus(resp.StatusCode, err.Error())
		}
		return transport.NewTransient(fmt.Errorf("failed to connect to change feed: %w", err))
	}
	defer func() {
		_ = conn.Close()
	}()

	// закрываем соединение при отмене, чтобы прервать ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return transport.NewTransient(fmt.Errorf("change feed closed: %w", err))
		}

		var event api.ChangeEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			continue
		}
		if event.Type == api.EventChanged {
			onChange(event.Cursor)
		}
	}
}

// doRequest выполняет HTTP запрос и возвращает статус и тело ответа.
// Ошибки сети и отмена контекста возвращаются как transient
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &transport.Error{Kind: transport.KindValidation, Err: fmt.Errorf("failed to marshal request body: %w", err)}
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, transport.NewTransient(fmt.Errorf("failed to create request: %w", err))
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, transport.NewTransient(fmt.Errorf("request failed: %w", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, transport.NewTransient(fmt.Errorf("failed to read response body: %w", err))
	}

	return resp.StatusCode, respBody, nil
}

// statusError классифицирует неуспешный ответ сервера
func statusError(status int, body []byte) error {
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg := errResp.Error
		if errResp.Message != "" {
			msg += ": " + errResp.Message
		}
		return transport.FromStatus(status, msg)
	}
	return transport.FromStatus(status, strings.TrimSpace(string(body)))
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("server url must use http or https")
	}
	return u.String(), nil
}
