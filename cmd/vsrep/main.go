package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/keagan/vsrep/internal/clips"
	"github.com/keagan/vsrep/internal/config"
	"github.com/keagan/vsrep/internal/logging"
	"github.com/keagan/vsrep/internal/pipeline"
)

var (
	cfgFile     string
	verbose     bool
	block       float64
	cacheDir    string
	noCache     bool
	noSaveCache bool

	queries []string
	clipDir string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vsrep <reference video> -q <query video> [query video...]",
	Short: "vsrep - video semantic representation and segment retrieval",
	Long: `Converts videos into sequences of per-block feature vectors computed with fixed
3D convolution kernels, and finds the segment of a reference video that best
matches each query clip.`,
	Example: `  vsrep data/raw/reference.mp4 -q data/slice/query.mp4
  vsrep feature data/raw/video1.mp4 data/raw/video2.mp4 -o data/features/`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logging
		logging.Init(verbose)

		// Load config
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		// Store config in context
		ctx := config.WithConfig(cmd.Context(), cfg)
		cmd.SetContext(ctx)

		return nil
	},
	RunE: runRetrieve,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.Float64Var(&block, "block", config.DefaultBlockSeconds, "duration in seconds of one convolution block")
	flags.StringVar(&cacheDir, "cache-dir", "", "feature cache directory (default from config: ./cache)")
	flags.BoolVar(&noCache, "no-cache", false, "do not look up cached features")
	flags.BoolVar(&noSaveCache, "no-save-cache", false, "do not store extracted features in the cache")

	rootCmd.Flags().StringSliceVarP(&queries, "query", "q", nil, "query video(s) to locate in the reference")
	rootCmd.Flags().StringVar(&clipDir, "clip-dir", "", "cut each matched segment into this directory")

	rootCmd.AddCommand(featureCmd, nearestCmd)
}

// applyFlags lets explicitly set flags override the config file
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("block") {
		cfg.BlockSeconds = block
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir = cacheDir
	}
	if noCache {
		cfg.Cache.Use = false
	}
	if noSaveCache {
		cfg.Cache.Save = false
	}
}

// runRetrieve locates every query inside the reference video. Positional
// arguments after the reference are taken as further queries.
func runRetrieve(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && len(queries) == 0 {
		return cmd.Usage()
	}
	if len(args) == 0 {
		return fmt.Errorf("a reference video is required")
	}
	reference, all := args[0], slices.Concat(queries, args[1:])
	if len(all) == 0 {
		return fmt.Errorf("at least one query video is required (-q)")
	}

	cfg := config.FromContext(cmd.Context())
	pipeCfg := pipeline.ConfigFrom(cfg)
	pipeCfg.ClipDir = clipDir

	pipe, err := pipeline.New(log.Logger, pipeCfg, cfg)
	if err != nil {
		return err
	}
	defer pipe.Close()

	results, err := pipe.Retrieve(cmd.Context(), reference, all)
	if err != nil {
		log.Error().Err(err).Msg("retrieval failed")
		return err
	}

	failed := 0
	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.Err != nil {
			failed++
			log.Error().Err(r.Err).Str("query", r.Query).Msg("query failed")
			continue
		}
		fmt.Fprintf(out, "\nQuery: %s\n", r.Query)
		fmt.Fprintf(out, "Best match time range: %.2fs~%.2fs\n", r.Clip.Start.Seconds(), r.Clip.End.Seconds())
		fmt.Fprintf(out, "Euclidean distance score: %.6f\n", r.Clip.Score)
		if r.Clip.Output != "" {
			fmt.Fprintf(out, "Matched segment saved to %s\n", r.Clip.Output)
		}
	}
	if pipe.Clips().Len() > 1 {
		printRanking(out, pipe.Clips().Ranked())
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d queries failed", failed, len(results))
	}
	return nil
}

// printRanking lists matched queries from closest to farthest
func printRanking(out io.Writer, ranked []*clips.Clip) {
	fmt.Fprintln(out, "\nRanking:")
	for i, c := range ranked {
		fmt.Fprintf(out, "%d. %s  %.2fs~%.2fs  score %.6f\n",
			i+1, c.Query, c.Start.Seconds(), c.End.Seconds(), c.Score)
	}
}
