package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/knowledge-engine/backend/internal/bootstrap"
)

var (
	jobTimeout time.Duration

	synthConcept string
	synthItems   []string

	interestsUser string

	provenanceItem string
)

func init() {
	rootCmd.PersistentFlags().DurationVar(&jobTimeout, "timeout", 30*time.Minute, "abort the job after this long")

	decayCmd.AddCommand(decayRefreshCmd)

	aggregateSynthesizeCmd.Flags().StringVar(&synthConcept, "concept", "", "concept name of the knowledge unit (required)")
	aggregateSynthesizeCmd.Flags().StringSliceVar(&synthItems, "items", nil, "comma separated item ids, at least two (required)")
	_ = aggregateSynthesizeCmd.MarkFlagRequired("concept")
	_ = aggregateSynthesizeCmd.MarkFlagRequired("items")
	aggregateProvenanceCmd.Flags().StringVar(&provenanceItem, "item", "", "item id to look up (required)")
	_ = aggregateProvenanceCmd.MarkFlagRequired("item")
	aggregateCmd.AddCommand(aggregateDiscoverCmd, aggregateSynthesizeCmd, aggregateProvenanceCmd)

	interestsRefreshCmd.Flags().StringVar(&interestsUser, "user", "", "user whose interests are re-inferred (required)")
	_ = interestsRefreshCmd.MarkFlagRequired("user")
	interestsCmd.AddCommand(interestsRefreshCmd)
}

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Knowledge decay jobs",
}

var decayRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recompute decay score and status for every item",
	Long: `Recompute decay score and status for every item from its age, decay type
and expiry date. Items are updated in batches; a failed batch is reported and
skipped.

Examples:
  # Nightly cron
  kre decay refresh --config /etc/knowledge-engine/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, e *bootstrap.Engine) error {
			report, err := e.Decay.RefreshAll(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Discover and synthesize knowledge units",
}

var aggregateDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List topics shared by at least two recent items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, e *bootstrap.Engine) error {
			return printJSON(cmd, e.Synthesizer.DiscoverCandidates(ctx))
		})
	},
}

var aggregateSynthesizeCmd = &cobra.Command{
	Use:   "synthesize",
	Short: "Synthesize a knowledge unit from the given items",
	Long: `Synthesize a knowledge unit about a concept from two or more items and
record which items it was derived from.

Examples:
  kre aggregate synthesize --concept onboarding --items 3f1c...,9a2b...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, e *bootstrap.Engine) error {
			res, err := e.Synthesizer.Synthesize(ctx, synthConcept, synthItems)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var aggregateProvenanceCmd = &cobra.Command{
	Use:   "provenance",
	Short: "List knowledge units synthesized from an item",
	Long: `List the knowledge units derived from an item, newest first. Requires the
Neo4j provenance graph (neo4j.enabled).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, e *bootstrap.Engine) error {
			if e.Graph == nil {
				return errors.New("provenance graph is not available; enable neo4j in the config")
			}
			units, err := e.Graph.UnitsDerivedFrom(ctx, provenanceItem)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"item_id": provenanceItem, "unit_ids": units})
		})
	},
}

var interestsCmd = &cobra.Command{
	Use:   "interests",
	Short: "User interest profile jobs",
}

var interestsRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-infer a user's interests from recent positive feedback",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, e *bootstrap.Engine) error {
			interests, err := e.Profiler.InferInterests(ctx, interestsUser)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "updated %d interests for %s\n", len(interests), interestsUser)
			return printJSON(cmd, interests)
		})
	},
}

func runJob(cmd *cobra.Command, fn func(context.Context, *bootstrap.Engine) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), jobTimeout)
	defer cancel()

	return withEngine(ctx, func(e *bootstrap.Engine) error {
		return fn(ctx, e)
	})
}
