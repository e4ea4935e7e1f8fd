package chatcmder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/config"
	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/finalize"
	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/logger"
	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/render"
	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/stream"
	"github.com/bionic-gpt/bionic-gpt-sub000/server"
)

const chatLongDesc string = `Send a prompt and stream the answer.

The prompt is queued on the chat, then the completion is streamed and
rendered as it arrives. Press Ctrl-C to stop generation early; the partial
answer is still committed to the chat.

Formats:
  terminal  Markdown rendered for the terminal, redrawn in place (default on a TTY)
  plain     raw text as it arrives (default otherwise)
  html      sanitized HTML, rewritten to --html-path on every update

Examples:
  chatstream chat "Explain Merkle DAGs in two sentences"
  chatstream chat --chat-id 3f0c... "And what about branches?"
  chatstream chat --format html --html-path /tmp/answer.html "Write a haiku"`

const chatShortDesc string = "Send a prompt and stream the answer"

const defaultWidth = 80

type chatCommander struct {
	chatID   string
	model    string
	baseURL  string
	format   string
	htmlPath string

	logger *zap.Logger
}

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat <prompt>",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&cmder.chatID, "chat-id", "", "Chat to continue (default: a new chat)")
	cmd.Flags().StringVarP(&cmder.model, "model", "m", "", "Model to use for this chat")
	cmd.Flags().StringVar(&cmder.baseURL, "base-url", "", "Completion server URL")
	cmd.Flags().StringVarP(&cmder.format, "format", "f", "", "Output format: terminal, plain or html")
	cmd.Flags().StringVar(&cmder.htmlPath, "html-path", "", "File written by the html format")

	return cmd
}

func (c *chatCommander) run(ctx context.Context, cmd *cobra.Command, prompt string) error {
	configPath, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	c.logger = logger.NewLogger(debug)
	defer c.logger.Sync()

	if c.baseURL == "" {
		c.baseURL = cfg.Client.BaseURL
	}
	c.baseURL = strings.TrimRight(c.baseURL, "/")
	if c.format == "" {
		c.format = cfg.Client.Format
	}
	if c.htmlPath == "" {
		c.htmlPath = cfg.Client.HTMLPath
	}
	if c.chatID == "" {
		c.chatID = uuid.NewString()
	}

	out := cmd.OutOrStdout()
	sink, err := c.newSink(out)
	if err != nil {
		return err
	}

	if err := c.postMessage(ctx, prompt); err != nil {
		return err
	}

	// Ctrl-C is the stop control: it cancels the session context.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	finalizer := finalize.NewFormFinalizer(c.baseURL, nil, c.logger)
	controller := stream.NewController(stream.Config{BaseURL: c.baseURL}, finalizer, c.logger)

	outcome := controller.NewSession(ctx, c.chatID, sink).Run()
	if !outcome.State.Terminal() {
		return fmt.Errorf("chat %s did not stream: %w", c.chatID, outcome.Err)
	}

	fmt.Fprintln(cmd.ErrOrStderr())
	fmt.Fprintf(cmd.ErrOrStderr(), "chat %s: %s\n", c.chatID, outcome.State)
	if c.format == "html" {
		fmt.Fprintf(cmd.ErrOrStderr(), "answer written to %s\n", c.htmlPath)
	}

	if outcome.FinalizeErr != nil {
		return fmt.Errorf("could not commit chat turn: %w", outcome.FinalizeErr)
	}
	if outcome.State == stream.StateFailed {
		return fmt.Errorf("completion failed: %w", outcome.Err)
	}
	return nil
}

func (c *chatCommander) newSink(out io.Writer) (stream.RenderSink, error) {
	tty := false
	width := defaultWidth
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}

	format := c.format
	if format == "" {
		format = "plain"
		if tty {
			format = "terminal"
		}
	}

	switch format {
	case "terminal":
		sink, err := render.NewTerminalSink(out, width, c.logger)
		if err != nil {
			return nil, fmt.Errorf("could not create terminal renderer: %w", err)
		}
		return sink, nil
	case "plain":
		return render.NewPlainSink(out), nil
	case "html":
		return render.NewHTMLSink(render.FileSurface{Path: c.htmlPath}, c.logger), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want terminal, plain or html)", format)
	}
}

func (c *chatCommander) postMessage(ctx context.Context, prompt string) error {
	body, err := json.Marshal(server.AddMessageRequest{Content: prompt, Model: c.model})
	if err != nil {
		return fmt.Errorf("could not marshal message: %w", err)
	}

	endpoint := c.baseURL + "/chats/" + url.PathEscape(c.chatID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	c.logger.Debug("prompt queued", zap.String("chat_id", c.chatID))
	return nil
}
