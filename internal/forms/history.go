package forms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tavern/chat-app/internal/protocol"
)

// HistoryPath is the backend endpoint listing a room's messages.
const HistoryPath = "/api/chat/messages"

// HistoryClient loads a room's earlier messages.
type HistoryClient struct {
	baseURL string
	opts    options
}

// NewHistoryClient creates a client for the backend at baseURL.
func NewHistoryClient(baseURL string, opts ...Option) *HistoryClient {
	return &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    buildOptions(opts),
	}
}

// Messages fetches the messages of room, oldest first.
func (c *HistoryClient) Messages(ctx context.Context, room string) ([]protocol.ChatMessage, error) {
	target := c.baseURL + HistoryPath + "?" + url.Values{"room": {room}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("forms: history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := do(c.opts.client, "history", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msgs []protocol.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("forms: decode history: %w", err)
	}
	return msgs, nil
}
