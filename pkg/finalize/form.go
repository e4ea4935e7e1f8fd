// Package finalize provides Finalizer implementations that close out a
// completion stream.
package finalize

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/stream"
)

// Form field names submitted on finalize.
const (
	FieldResponse = "response"
	FieldStatus   = "status"
	FieldError    = "error"
)

// FormFinalizer commits a conversation turn by submitting the chat's finalize
// form: POST {base}/chats/{chatId}/finalize, url-encoded. The server answers
// with a redirect, which the client follows.
type FormFinalizer struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewFormFinalizer creates a FormFinalizer. A nil client uses http.DefaultClient.
func NewFormFinalizer(baseURL string, client *http.Client, logger *zap.Logger) *FormFinalizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &FormFinalizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		logger:     logger,
	}
}

// Finalize submits the outcome of a session.
func (f *FormFinalizer) Finalize(ctx context.Context, outcome stream.Outcome) error {
	form := url.Values{}
	form.Set(FieldResponse, outcome.Snapshot)
	form.Set(FieldStatus, outcome.State.String())
	if outcome.Err != nil {
		form.Set(FieldError, outcome.Err.Error())
	}

	endpoint := f.baseURL + "/chats/" + url.PathEscape(outcome.ChatID) + "/finalize"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create finalize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit finalize form: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("finalize returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	f.logger.Debug("finalize form submitted",
		zap.String("chat_id", outcome.ChatID),
		zap.Stringer("state", outcome.State),
		zap.String("location", resp.Request.URL.Path),
	)

	return nil
}
