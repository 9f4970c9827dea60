package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/keagan/vsrep/internal/config"
	"github.com/keagan/vsrep/internal/export"
	"github.com/keagan/vsrep/internal/pipeline"
)

var (
	featureOutput string
	exportPG      bool
)

var featureCmd = &cobra.Command{
	Use:   "feature <input video>... [-o output]",
	Short: "Extract and save semantic features of videos as .npy files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFeature,
}

func init() {
	featureCmd.Flags().StringVarP(&featureOutput, "output", "o", "", "output file or directory (default: current directory)")
	featureCmd.Flags().BoolVar(&exportPG, "export-pg", false, "also write block vectors to PostgreSQL (export.postgres in config)")
}

func runFeature(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.FromContext(ctx)

	plan, err := resolveOutputs(log.Logger, args, featureOutput, newStdinPrompter(cmd.ErrOrStderr()))
	if err != nil {
		log.Error().Err(err).Msg("cannot save features")
		return err
	}

	var opts []pipeline.Option
	if exportPG {
		exp, err := export.NewPostgresExporter(ctx, log.Logger, cfg.Export.Postgres.ConnString())
		if err != nil {
			return err
		}
		if err := exp.InitSchema(ctx); err != nil {
			exp.Close()
			return err
		}
		opts = append(opts, pipeline.WithExporter(exp))
	}

	pipe, err := pipeline.New(log.Logger, pipeline.ConfigFrom(cfg), cfg, opts...)
	if err != nil {
		return err
	}
	defer pipe.Close()

	failed := 0
	for _, input := range plan.inputs {
		if err := ctx.Err(); err != nil {
			return err
		}

		fs, err := pipe.Features(ctx, input)
		if err != nil {
			failed++
			log.Error().Err(err).Str("input", input).Msg("feature extraction failed")
			continue
		}

		target := plan.target(input)
		if err := pipeline.WriteFeatures(target, fs.Tensor); err != nil {
			failed++
			log.Error().Err(err).Str("input", input).Msg("failed to save features")
			continue
		}
		log.Info().
			Str("input", input).
			Str("output", target).
			Int("blocks", fs.Blocks()).
			Bool("cached", fs.Cached).
			Msg("features saved")

		if exportPG {
			if err := pipe.Export(ctx, fs); err != nil {
				failed++
				log.Error().Err(err).Str("input", input).Msg("feature export failed")
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d inputs failed", failed, len(plan.inputs))
	}
	return nil
}
