package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keagan/vsrep/internal/config"
	"github.com/keagan/vsrep/internal/export"
	"github.com/keagan/vsrep/internal/pipeline"
	"github.com/keagan/vsrep/pkg/util"
)

var nearestLimit int

var nearestCmd = &cobra.Command{
	Use:   "nearest <video> [--limit n]",
	Short: "Find exported feature blocks closest to each block of a video",
	Long: `Extracts (or loads from cache) the features of a video and, for every block,
lists the closest blocks stored in PostgreSQL by feature --export-pg.`,
	Args: cobra.ExactArgs(1),
	RunE: runNearest,
}

func init() {
	nearestCmd.Flags().IntVarP(&nearestLimit, "limit", "n", 5, "neighbors to list per block")
}

func runNearest(cmd *cobra.Command, args []string) error {
	if nearestLimit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", nearestLimit)
	}
	ctx := cmd.Context()
	cfg := config.FromContext(ctx)

	exp, err := export.NewPostgresExporter(ctx, log.Logger, cfg.Export.Postgres.ConnString())
	if err != nil {
		return err
	}
	pipe, err := pipeline.New(log.Logger, pipeline.ConfigFrom(cfg), cfg, pipeline.WithExporter(exp))
	if err != nil {
		exp.Close()
		return err
	}
	defer pipe.Close()

	fs, err := pipe.Features(ctx, args[0])
	if err != nil {
		return err
	}
	rows, err := export.Rows(fs.Hash, fs.Source, fs.Block, fs.Tensor)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, row := range rows {
		neighbors, err := exp.Nearest(ctx, row.Embedding, nearestLimit)
		if err != nil {
			return err
		}
		printNeighbors(out, row, neighbors)
	}
	return nil
}

// printNeighbors writes one block of a video and the stored blocks nearest to it
func printNeighbors(out io.Writer, row export.Row, neighbors []export.Neighbor) {
	fmt.Fprintf(out, "\nBlock %d at %s:\n", row.BlockIndex, util.FormatClock(row.StartSeconds))
	if len(neighbors) == 0 {
		fmt.Fprintln(out, "  no exported features")
		return
	}
	for _, n := range neighbors {
		fmt.Fprintf(out, "  %s block %d at %s  distance %.6f\n",
			n.Source, n.BlockIndex, util.FormatClock(n.StartSeconds), n.Distance)
	}
}
