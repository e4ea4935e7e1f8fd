package servecmder

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/config"
	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/logger"
	"github.com/bionic-gpt/bionic-gpt-sub000/server"
)

const serveLongDesc string = `Run the completion server.

Chat messages are relayed to an upstream Ollama instance and streamed back
as completion events. When a client submits a chat's finalize form, the
turn is stored in the transcript DAG (SQLite with --db, in memory otherwise).

Examples:
  chatstream serve
  chatstream serve --listen :9000 --upstream http://gpu-box:11434 --db ~/.chatstream/transcripts.db`

const serveShortDesc string = "Run the completion server"

type serveCommander struct {
	listen   string
	upstream string
	model    string
	dbPath   string
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd)
		},
	}

	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", "", "Address to listen on")
	cmd.Flags().StringVarP(&cmder.upstream, "upstream", "u", "", "Upstream Ollama URL")
	cmd.Flags().StringVarP(&cmder.model, "model", "m", "", "Default model")
	cmd.Flags().StringVar(&cmder.dbPath, "db", "", "Path to transcript SQLite database (default: in-memory)")

	return cmd
}

func (c *serveCommander) run(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.NewLogger(debug)
	defer log.Sync()

	srvCfg := server.Config{
		ListenAddr:  pick(c.listen, cfg.Server.Listen),
		UpstreamURL: pick(c.upstream, cfg.Server.Upstream),
		Model:       pick(c.model, cfg.Server.Model),
		DBPath:      pick(c.dbPath, cfg.Server.DBPath),
	}

	srv, err := server.New(srvCfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := srv.Run(); err != nil {
		log.Error("completion server failed", zap.Error(err))
		return err
	}
	return nil
}

// pick returns flag when set, else fallback.
func pick(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}
