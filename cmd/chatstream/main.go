package main

import (
	"os"

	"github.com/spf13/cobra"

	chatcmder "github.com/bionic-gpt/bionic-gpt-sub000/cmd/chatstream/chat"
	mergecmder "github.com/bionic-gpt/bionic-gpt-sub000/cmd/chatstream/merge"
	servecmder "github.com/bionic-gpt/bionic-gpt-sub000/cmd/chatstream/serve"
)

const rootLongDesc string = `chatstream streams chat completions.

Run a completion server in front of Ollama with "serve", then talk to it
with "chat". Finished turns are kept as a content-addressed transcript DAG.`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatstream",
		Short:         "Stream chat completions",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default ~/.chatstream/config.toml)")
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(chatcmder.NewChatCmd())
	cmd.AddCommand(mergecmder.NewMergeCmd())

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
