package forms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// CharacterSelector posts the chosen character and then opens the chat.
type CharacterSelector struct {
	createURL string
	chatURL   string
	nav       Navigator
	opts      options
}

// NewCharacterSelector creates a selector posting to createURL and
// navigating to chatURL.
func NewCharacterSelector(createURL, chatURL string, nav Navigator, opts ...Option) *CharacterSelector {
	return &CharacterSelector{
		createURL: createURL,
		chatURL:   chatURL,
		nav:       nav,
		opts:      buildOptions(opts),
	}
}

type selectRequest struct {
	CharacterID string `json:"character_id"`
}

// Select registers characterID with the backend. The chat is opened once the
// backend accepts it, or regardless of the outcome under RedirectAlways.
func (s *CharacterSelector) Select(ctx context.Context, characterID string) error {
	body, err := json.Marshal(selectRequest{CharacterID: characterID})
	if err != nil {
		return fmt.Errorf("forms: marshal character selection: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.createURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forms: character select request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := do(s.opts.client, "character_select", req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return finish(s.nav, s.opts.redirect, s.chatURL, "character_select", err)
}
