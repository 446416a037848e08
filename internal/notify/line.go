package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LineSender delivers messages via the LINE Messaging API push endpoint.
type LineSender struct {
	baseURL string
	token   string
	userID  string
	client  *http.Client
}

// NewLineSender creates a sender for the given channel access token and
// recipient user ID.
func NewLineSender(token, userID string) *LineSender {
	return &LineSender{
		baseURL: "https://api.line.me",
		token:   token,
		userID:  userID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type linePush struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send posts the message as a single text push.
func (l *LineSender) Send(ctx context.Context, message string) error {
	payload := linePush{
		To:       l.userID,
		Messages: []lineMessage{{Type: "text", Text: message}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("line: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/v2/bot/message/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.token)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("line: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("line: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (l *LineSender) Name() string { return "line" }
