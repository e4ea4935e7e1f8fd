// Package server provides a development completion server. It relays chat
// completions from an upstream Ollama instance as a stream of completion
// event frames and commits finished turns to a transcript Merkle DAG when
// the client submits the chat's finalize form.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/llm"
	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/merkle"
)

// Server is the completion server.
type Server struct {
	config     Config
	storer     merkle.Storer
	chats      *chatRegistry
	logger     *zap.Logger
	httpClient *http.Client
	app        *fiber.App
}

// New creates a Server and registers its routes.
func New(config Config, logger *zap.Logger) (*Server, error) {
	var storer merkle.Storer
	if config.DBPath != "" {
		s, err := merkle.NewSQLiteStorer(config.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storer: %w", err)
		}
		storer = s
		logger.Info("using SQLite transcript storage", zap.String("path", config.DBPath))
	} else {
		storer = merkle.NewMemoryStorer()
		logger.Info("using in-memory transcript storage")
	}

	return newServer(config, storer, logger), nil
}

func newServer(config Config, storer merkle.Storer, logger *zap.Logger) *Server {
	s := &Server{
		config: config,
		storer: storer,
		chats:  newChatRegistry(),
		logger: logger,
		httpClient: &http.Client{
			// Generation can be slow; the stream itself is bounded by the client.
			Timeout: 10 * time.Minute,
		},
	}

	// Route params are stored in the chat registry and captured by stream
	// writers, so they must not alias fasthttp's reused request buffers.
	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		Immutable:             true,
	})
	s.routes(s.app)
	return s
}

func (s *Server) routes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})

	app.Post("/chats/:chatId/messages", s.handleAddMessage)
	app.Get("/chats/:chatId", s.handleGetChat)
	app.Post("/chats/:chatId/finalize", s.handleFinalize)
	app.Post("/completions/:chatId", s.handleCompletion)

	app.Get("/dag/stats", s.handleDAGStats)
	app.Get("/dag/node/:hash", s.handleGetNode)
	app.Get("/dag/history", s.handleListHistories)
	app.Get("/dag/history/:hash", s.handleGetHistory)
}

// Run starts listening on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting completion server",
		zap.String("listen", s.config.ListenAddr),
		zap.String("upstream", s.config.UpstreamURL),
		zap.String("model", s.config.Model),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Close shuts down the server and releases the transcript store.
func (s *Server) Close() error {
	if err := s.app.Shutdown(); err != nil {
		s.logger.Warn("server shutdown failed", zap.Error(err))
	}
	return s.storer.Close()
}

// AddMessageRequest is the body of POST /chats/:chatId/messages.
type AddMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) handleAddMessage(c *fiber.Ctx) error {
	chatID := c.Params("chatId")

	var req AddMessageRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}
	if strings.TrimSpace(req.Content) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "content is required"})
	}

	s.chats.addUserMessage(chatID, req.Model, req.Content)

	s.logger.Debug("queued user message",
		zap.String("chat_id", chatID),
		zap.String("content_preview", truncate(req.Content, 50)),
	)

	return c.Status(fiber.StatusAccepted).JSON(map[string]string{"chat_id": chatID})
}

// handleCompletion relays the upstream completion for a chat's queued
// messages as completion event frames.
func (s *Server) handleCompletion(c *fiber.Ctx) error {
	chatID := c.Params("chatId")
	startTime := time.Now()

	ch, ok := s.chats.snapshot(chatID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "chat not found"})
	}
	if ch.Pending == 0 {
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "no pending message to complete"})
	}

	model := ch.Model
	if model == "" {
		model = s.config.Model
	}

	// The body is read by the stream writer after this handler returns, so
	// the upstream request outlives the handler and is cancelled by it.
	ctx, cancel := context.WithCancel(context.Background())
	body, err := s.openUpstream(ctx, &llm.ChatRequest{Model: model, Messages: ch.Messages})
	if err != nil {
		cancel()
		s.logger.Error("upstream request failed", zap.String("chat_id", chatID), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(llm.ErrorResponse{Error: "upstream request failed"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer body.Close()

		n := s.relay(body, w)

		s.logger.Debug("completion stream closed",
			zap.String("chat_id", chatID),
			zap.Int("deltas", n),
			zap.Duration("duration", time.Since(startTime)),
		)
	}))

	return nil
}

// openUpstream starts a streaming upstream chat request.
func (s *Server) openUpstream(ctx context.Context, req *llm.ChatRequest) (io.ReadCloser, error) {
	streaming := true
	req.Stream = &streaming

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	upstreamURL := strings.TrimRight(s.config.UpstreamURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	s.logger.Debug("forwarding streaming request to upstream",
		zap.String("url", upstreamURL),
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		httpResp.Body.Close()
		return nil, fmt.Errorf("upstream returned %d: %s", httpResp.StatusCode, string(respBody))
	}

	return httpResp.Body, nil
}

// relay converts upstream NDJSON chunks into completion frames on w and
// returns the number of deltas written. A write failure means the client
// went away, so relaying stops.
func (s *Server) relay(upstream io.Reader, w *bufio.Writer) int {
	send := func(ev llm.CompletionEvent) error {
		if err := llm.WriteFrame(w, ev); err != nil {
			return err
		}
		return w.Flush()
	}

	deltas := 0
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chunk llm.StreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.logger.Warn("failed to parse upstream chunk", zap.Error(err), zap.String("line", truncate(string(line), 100)))
			continue
		}

		if chunk.Error != "" {
			if err := send(llm.Error(chunk.Error)); err != nil {
				s.logger.Debug("client went away", zap.Error(err))
			}
			return deltas
		}

		if chunk.Message.Content != "" {
			if err := send(llm.TextDelta(chunk.Message.Content)); err != nil {
				s.logger.Debug("client went away", zap.Error(err))
				return deltas
			}
			deltas++
		}

		if chunk.Done {
			if err := send(llm.Done()); err != nil {
				s.logger.Debug("client went away", zap.Error(err))
			}
			return deltas
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("error reading upstream stream", zap.Error(err))
		if err := send(llm.Error("upstream stream failed")); err != nil {
			s.logger.Debug("client went away", zap.Error(err))
		}
	}

	return deltas
}

// handleFinalize commits the chat's pending turn. It is the target of the
// form a client submits when its stream ends, whatever the outcome.
func (s *Server) handleFinalize(c *fiber.Ctx) error {
	chatID := c.Params("chatId")

	ch, ok := s.chats.snapshot(chatID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "chat not found"})
	}
	if ch.Pending == 0 {
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "chat has no pending turn"})
	}

	model := ch.Model
	if model == "" {
		model = s.config.Model
	}

	turn := llm.ConversationTurn{
		Model:    model,
		Messages: ch.Messages[len(ch.Messages)-ch.Pending:],
		Response: llm.Message{Role: llm.RoleAssistant, Content: c.FormValue("response")},
		Status:   c.FormValue("status", "completed"),
		Error:    c.FormValue("error"),
	}

	head, err := s.storeConversationTurn(c.UserContext(), ch.Head, turn)
	if err != nil {
		s.logger.Error("failed to store conversation", zap.String("chat_id", chatID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to store conversation"})
	}
	if err := s.chats.commit(chatID, ch.Pending, ch.Head, turn.Response, head); err != nil {
		s.logger.Warn("finalize raced another commit", zap.String("chat_id", chatID), zap.Error(err))
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "chat changed while finalizing"})
	}

	s.logger.Info("conversation turn stored",
		zap.String("chat_id", chatID),
		zap.String("status", turn.Status),
		zap.String("head_hash", truncate(head, 16)),
	)

	return c.Redirect("/chats/"+chatID, fiber.StatusSeeOther)
}

// storeConversationTurn appends the turn's messages and response below head
// (empty for a new chat) and returns the hash of the response node.
// Identical histories hash to the same nodes, so a regenerated answer
// branches from the shared prefix instead of duplicating it.
func (s *Server) storeConversationTurn(ctx context.Context, head string, turn llm.ConversationTurn) (string, error) {
	var parent *merkle.Node
	if head != "" {
		n, err := s.storer.Get(ctx, head)
		if err != nil {
			return "", fmt.Errorf("loading chat head: %w", err)
		}
		parent = n
	}

	for _, msg := range turn.Messages {
		node := merkle.NewNode(merkle.Bucket{
			Type:    "message",
			Role:    msg.Role,
			Content: msg.Content,
			Model:   turn.Model,
		}, parent)
		if _, err := s.storer.Put(ctx, node); err != nil {
			return "", fmt.Errorf("storing message node: %w", err)
		}
		parent = node
	}

	response := merkle.NewNode(merkle.Bucket{
		Type:    "message",
		Role:    turn.Response.Role,
		Content: turn.Response.Content,
		Model:   turn.Model,
		Status:  turn.Status,
		Error:   turn.Error,
	}, parent)
	if _, err := s.storer.Put(ctx, response); err != nil {
		return "", fmt.Errorf("storing response node: %w", err)
	}

	return response.Hash, nil
}

// ChatResponse is the body of GET /chats/:chatId.
type ChatResponse struct {
	ChatID   string           `json:"chat_id"`
	Model    string           `json:"model,omitempty"`
	HeadHash string           `json:"head_hash,omitempty"`
	Pending  int              `json:"pending"`
	Messages []HistoryMessage `json:"messages"`
}

func (s *Server) handleGetChat(c *fiber.Ctx) error {
	chatID := c.Params("chatId")

	ch, ok := s.chats.snapshot(chatID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "chat not found"})
	}

	resp := ChatResponse{
		ChatID:   chatID,
		Model:    ch.Model,
		HeadHash: ch.Head,
		Pending:  ch.Pending,
		Messages: []HistoryMessage{},
	}

	if ch.Head != "" {
		history, err := s.buildHistory(c.UserContext(), ch.Head)
		if err != nil {
			s.logger.Error("failed to build chat history", zap.String("chat_id", chatID), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to load history"})
		}
		resp.Messages = history.Messages
	}

	return c.JSON(resp)
}

func (s *Server) handleDAGStats(c *fiber.Ctx) error {
	ctx := c.UserContext()

	nodes, err := s.storer.List(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to list nodes"})
	}
	roots, err := s.storer.Roots(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to get roots"})
	}
	leaves, err := s.storer.Leaves(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to get leaves"})
	}

	return c.JSON(map[string]any{
		"total_nodes": len(nodes),
		"root_count":  len(roots),
		"leaf_count":  len(leaves),
	})
}

func (s *Server) handleGetNode(c *fiber.Ctx) error {
	node, err := s.storer.Get(c.UserContext(), c.Params("hash"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "node not found"})
	}
	return c.JSON(node)
}

// HistoryResponse is the transcript leading up to a node.
type HistoryResponse struct {
	// Messages in chronological order, ending with the requested node
	Messages []HistoryMessage `json:"messages"`
	HeadHash string           `json:"head_hash"`
	Depth    int              `json:"depth"`
}

// HistoryMessage is one transcript message.
type HistoryMessage struct {
	Hash       string  `json:"hash"`
	ParentHash *string `json:"parent_hash,omitempty"`
	Role       string  `json:"role"`
	Content    string  `json:"content"`
	Model      string  `json:"model,omitempty"`
	Status     string  `json:"status,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// handleListHistories returns one transcript per leaf node.
func (s *Server) handleListHistories(c *fiber.Ctx) error {
	ctx := c.UserContext()

	leaves, err := s.storer.Leaves(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to get leaves"})
	}

	histories := make([]HistoryResponse, 0, len(leaves))
	for _, leaf := range leaves {
		history, err := s.buildHistory(ctx, leaf.Hash)
		if err != nil {
			s.logger.Warn("failed to build history for leaf", zap.String("hash", leaf.Hash), zap.Error(err))
			continue
		}
		histories = append(histories, *history)
	}

	return c.JSON(map[string]any{
		"count":     len(histories),
		"histories": histories,
	})
}

func (s *Server) handleGetHistory(c *fiber.Ctx) error {
	history, err := s.buildHistory(c.UserContext(), c.Params("hash"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "node not found"})
	}
	return c.JSON(history)
}

func (s *Server) buildHistory(ctx context.Context, hash string) (*HistoryResponse, error) {
	ancestry, err := s.storer.Ancestry(ctx, hash)
	if err != nil {
		return nil, err
	}

	// Ancestry is newest first.
	messages := make([]HistoryMessage, len(ancestry))
	for i, node := range ancestry {
		messages[len(ancestry)-1-i] = HistoryMessage{
			Hash:       node.Hash,
			ParentHash: node.ParentHash,
			Role:       node.Bucket.Role,
			Content:    node.Bucket.Content,
			Model:      node.Bucket.Model,
			Status:     node.Bucket.Status,
			Error:      node.Bucket.Error,
		}
	}

	return &HistoryResponse{
		Messages: messages,
		HeadHash: hash,
		Depth:    len(messages),
	}, nil
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
