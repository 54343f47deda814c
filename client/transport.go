package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dm-go/internal/models"
	"dm-go/internal/protocol"

	apperrors "dm-go/pkg/errors"
)

// wsTransport runs the frame protocol over a gorilla websocket connection.
// writeMu serializes WriteFrame: the session writes from the caller's
// goroutine and from the read loop (auto-acks), and the websocket supports at
// most one concurrent writer.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// WebSocketDialer returns a Dialer for the gateway endpoint, e.g.
// "ws://host:8081/ws".
func WebSocketDialer(endpoint string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}
}

func (t *wsTransport) WriteFrame(f *protocol.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) ReadFrame() (*protocol.Frame, error) {
	var f protocol.Frame
	if err := t.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// restHistory fetches thread history from the read API with a bearer token.
type restHistory struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRESTHistory creates a HistoryFetcher against the read API, e.g.
// "http://host:8080/api/v1".
func NewRESTHistory(baseURL, token string) HistoryFetcher {
	return &restHistory{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type messagesPage struct {
	Messages []*models.Message `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

func (h *restHistory) LatestMessages(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	endpoint := fmt.Sprintf("%s/threads/%s/messages?limit=%s",
		h.baseURL, url.PathEscape(threadID), strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "history fetch failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, apperrors.ErrThreadNotFound
	case http.StatusForbidden:
		return nil, apperrors.ErrForbidden
	case http.StatusUnauthorized:
		return nil, apperrors.ErrAuthFailed
	default:
		return nil, apperrors.New(apperrors.CodeStoreUnavailable,
			fmt.Sprintf("history fetch returned status %d", resp.StatusCode))
	}

	var page messagesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "history decode failed", err)
	}
	return page.Messages, nil
}
