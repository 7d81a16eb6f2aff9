// Package bootstrap assembles the engine components from configuration. The
// API server and the CLI share it.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/aggregation"
	rediscache "github.com/knowledge-engine/backend/internal/cache/redis"
	"github.com/knowledge-engine/backend/internal/decay"
	"github.com/knowledge-engine/backend/internal/feedback"
	"github.com/knowledge-engine/backend/internal/ingestion"
	"github.com/knowledge-engine/backend/internal/kg/neo4j"
	"github.com/knowledge-engine/backend/internal/llm"
	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/recommend"
	"github.com/knowledge-engine/backend/internal/retrieval"
	"github.com/knowledge-engine/backend/internal/storage/sqlite"
	"github.com/knowledge-engine/backend/internal/vector"
	"github.com/knowledge-engine/backend/internal/vector/chromem"
	"github.com/knowledge-engine/backend/internal/vector/zilliz"
	"github.com/knowledge-engine/backend/pkg/config"
	"github.com/knowledge-engine/backend/pkg/logger"
)

type Engine struct {
	Config *config.Config

	Store   *sqlite.Client
	Vectors vector.Store
	Cache   *rediscache.Client
	Graph   *neo4j.Client
	LLM     *llm.Client

	Index       *retrieval.Index
	Ledger      *feedback.Ledger
	Analyzer    *feedback.ImplicitAnalyzer
	Profiler    *recommend.Profiler
	Composer    *recommend.Composer
	Synthesizer *aggregation.Synthesizer
	Ingestor    *ingestion.Processor
	Decay       *decay.Refresher

	closers []func() error
}

// New connects every dependency and wires the components. Redis and Neo4j are
// optional: when enabled but unreachable the engine runs without them.
func New(ctx context.Context, cfg *config.Config) (_ *Engine, err error) {
	metrics.Init()

	e := &Engine{Config: cfg}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	e.Store, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite client: %w", err)
	}
	e.closers = append(e.closers, e.Store.Close)

	if err = e.Store.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if e.Vectors, err = openVectors(ctx, cfg); err != nil {
		return nil, err
	}
	e.closers = append(e.closers, e.Vectors.Close)

	e.LLM = llm.NewClient(cfg.LLM)

	var embedder retrieval.Embedder = e.LLM
	if cfg.Redis.Enabled {
		cache, cerr := rediscache.NewClient(ctx, cfg.Redis)
		if cerr != nil {
			logger.Warn("Redis unavailable, embedding cache disabled", zap.Error(cerr))
		} else {
			e.Cache = cache
			e.closers = append(e.closers, cache.Close)
			embedder = rediscache.NewCachingEmbedder(e.LLM, cache, e.LLM.EmbeddingModel(),
				time.Duration(cfg.Redis.EmbeddingTTL)*time.Second,
				rediscache.WithHitMissHooks(
					func() { metrics.CacheHits.WithLabelValues("embedding").Inc() },
					func() { metrics.CacheMisses.WithLabelValues("embedding").Inc() },
				),
			)
		}
	}

	if cfg.Neo4j.Enabled {
		graph, gerr := neo4j.NewClient(ctx, cfg.Neo4j)
		if gerr != nil {
			logger.Warn("Neo4j unavailable, provenance graph disabled", zap.Error(gerr))
		} else {
			e.Graph = graph
			e.closers = append(e.closers, func() error { return graph.Close(context.Background()) })
		}
	}

	e.wire(embedder)

	logger.Info("Engine initialized",
		zap.String("vector_provider", cfg.Vector.Provider),
		zap.Bool("embedding_cache", e.Cache != nil),
		zap.Bool("provenance_graph", e.Graph != nil),
	)
	return e, nil
}

func openVectors(ctx context.Context, cfg *config.Config) (vector.Store, error) {
	switch cfg.Vector.Provider {
	case "chromem":
		store, err := chromem.NewStore(cfg.Chromem)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem store: %w", err)
		}
		return store, nil
	default:
		client, err := zilliz.NewClient(ctx, cfg.Zilliz, cfg.Vector.Dimension)
		if err != nil {
			return nil, fmt.Errorf("failed to create zilliz client: %w", err)
		}
		if err := client.EnsureCollection(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to prepare collection: %w", err)
		}
		return client, nil
	}
}

func (e *Engine) wire(embedder retrieval.Embedder) {
	eng := e.Config.Engine

	e.Index = retrieval.NewIndex(embedder, e.Vectors, e.Store, retrieval.WithThreshold(eng.SearchThreshold))

	var ledgerOpts []feedback.Option
	if eng.SerializeFeedback {
		ledgerOpts = append(ledgerOpts, feedback.WithItemSerialization())
	}
	e.Ledger = feedback.NewLedger(e.Store, ledgerOpts...)
	e.Analyzer = feedback.NewImplicitAnalyzer(e.Ledger, e.LLM)

	e.Profiler = recommend.NewProfiler(e.Store, recommend.ProfilerConfig{
		PositiveThreshold: eng.PositiveThreshold,
		Window:            eng.InterestWindow,
	})
	var composerOpts []recommend.ComposerOption
	if e.Cache != nil {
		composerOpts = append(composerOpts, recommend.WithResultCache(e.Cache,
			time.Duration(e.Config.Redis.RecommendationTTL)*time.Second))
	}
	e.Composer = recommend.NewComposer(e.Store, e.Index, e.Profiler, recommend.ComposerConfig{
		TopInterests:    eng.TopInterests,
		PerInterestTopK: eng.PerInterestTopK,
		Limit:           eng.RecommendLimit,
	}, composerOpts...)

	var synthOpts []aggregation.Option
	var ingestOpts []ingestion.Option
	if e.Graph != nil {
		synthOpts = append(synthOpts, aggregation.WithProvenance(e.Graph))
		ingestOpts = append(ingestOpts, ingestion.WithTagger(e.Graph))
	}
	e.Synthesizer = aggregation.NewSynthesizer(e.Store, e.LLM, aggregation.Config{
		Model:        e.Config.LLM.SynthesisModel,
		Window:       eng.DiscoveryWindow,
		CharBudget:   eng.SynthesisCharBudget,
		Completeness: eng.CompletenessPlaceholder,
	}, synthOpts...)
	e.Ingestor = ingestion.NewProcessor(e.Store, e.Index, ingestOpts...)

	e.Decay = decay.NewRefresher(e.Store, eng.DecayBatchSize)
}

// Close waits for queued conversation analyses, then releases every
// connection in reverse order of opening.
func (e *Engine) Close() error {
	if e.Analyzer != nil {
		e.Analyzer.Wait()
	}

	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i]())
	}
	e.closers = nil
	return err
}
