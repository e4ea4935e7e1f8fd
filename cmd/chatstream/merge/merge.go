package mergecmder

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/config"
	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/merkle"
)

const mergeLongDesc string = `Merge chat transcript databases into one.

Transcript nodes are content addressed, so merging is a union keyed by
hash: a node already present in the target is counted and skipped. The
target defaults to the server's db_path from the config file.

Examples:
  chatstream merge laptop.db desktop.db
  chatstream merge --target /tmp/all-chats.db ~/a/chats.db ~/b/chats.db`

const mergeShortDesc string = "Merge chat transcript databases"

type mergeCommander struct {
	target string
}

func NewMergeCmd() *cobra.Command {
	cmder := &mergeCommander{}

	cmd := &cobra.Command{
		Use:   "merge <source>...",
		Short: mergeShortDesc,
		Long:  mergeLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVarP(&cmder.target, "target", "t", "", "Database to merge into")

	return cmd
}

type mergeStats struct {
	added   int
	skipped int
}

func (c *mergeCommander) run(ctx context.Context, cmd *cobra.Command, sources []string) error {
	if c.target == "" {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		c.target = cfg.Server.DBPath
	}
	if c.target == "" {
		return fmt.Errorf("no target database: pass --target or set server.db_path")
	}

	target, err := merkle.NewSQLiteStorer(c.target)
	if err != nil {
		return fmt.Errorf("could not open target %s: %w", c.target, err)
	}
	defer target.Close()

	out := cmd.OutOrStdout()
	var total mergeStats
	for _, path := range sources {
		stats, err := mergeInto(ctx, target, path)
		if err != nil {
			return err
		}
		total.added += stats.added
		total.skipped += stats.skipped
		fmt.Fprintf(out, "  %s: %d added, %d already present\n", path, stats.added, stats.skipped)
	}

	return c.summarize(ctx, out, target, total, len(sources))
}

func mergeInto(ctx context.Context, target merkle.Storer, path string) (mergeStats, error) {
	var stats mergeStats

	// Opening a missing path would create an empty database there.
	if _, err := os.Stat(path); err != nil {
		return stats, fmt.Errorf("could not open source %s: %w", path, err)
	}

	source, err := merkle.NewSQLiteStorer(path)
	if err != nil {
		return stats, fmt.Errorf("could not open source %s: %w", path, err)
	}
	defer source.Close()

	nodes, err := source.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("could not list nodes in %s: %w", path, err)
	}

	for _, n := range nodes {
		added, err := target.Put(ctx, n)
		if err != nil {
			return stats, fmt.Errorf("could not store node %s: %w", n.Hash, err)
		}
		if added {
			stats.added++
		} else {
			stats.skipped++
		}
	}
	return stats, nil
}

// summarize prints totals and warns about nodes whose parent is missing,
// which happens when a source was itself a partial copy.
func (c *mergeCommander) summarize(ctx context.Context, out io.Writer, target merkle.Storer, total mergeStats, sources int) error {
	fmt.Fprintf(out, "Merged %d sources into %s: %d added, %d already present\n",
		sources, c.target, total.added, total.skipped)

	nodes, err := target.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list nodes in %s: %w", c.target, err)
	}

	dangling := 0
	for _, n := range nodes {
		if n.ParentHash == nil {
			continue
		}
		ok, err := target.Has(ctx, *n.ParentHash)
		if err != nil {
			return err
		}
		if !ok {
			dangling++
		}
	}
	if dangling > 0 {
		fmt.Fprintf(out, "warning: %d nodes reference a parent that is not in %s\n", dangling, c.target)
	}
	return nil
}
