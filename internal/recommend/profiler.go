package recommend

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

const (
	InterestSource = "feedback_inference"

	interestBase      = 0.5
	interestIncrement = 0.1
	interestCap       = 1.0
)

type ProfileStore interface {
	RecentPositiveEvents(ctx context.Context, actorID string, threshold float64, limit int) ([]models.FeedbackEvent, error)
	UpsertInterest(ctx context.Context, interest *models.UserInterest) error
}

type ProfilerConfig struct {
	// PositiveThreshold is exclusive: only events scoring above it count.
	PositiveThreshold float64
	Window            int
}

func DefaultProfilerConfig() ProfilerConfig {
	return ProfilerConfig{PositiveThreshold: 0.5, Window: 50}
}

// Profiler infers per-user topic interests from strongly positive feedback.
type Profiler struct {
	store ProfileStore
	cfg   ProfilerConfig
	now   func() time.Time
}

func NewProfiler(store ProfileStore, cfg ProfilerConfig) *Profiler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultProfilerConfig().Window
	}
	return &Profiler{store: store, cfg: cfg, now: time.Now}
}

// InferInterests scores each concept seen in the user's recent positive
// feedback as min(0.5 + 0.1*occurrences, 1.0) and upserts it. Concepts not in
// the window keep their previous score.
func (p *Profiler) InferInterests(ctx context.Context, userID string) ([]models.UserInterest, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.Validation("user id is required")
	}

	events, err := p.store.RecentPositiveEvents(ctx, userID, p.cfg.PositiveThreshold, p.cfg.Window)
	if err != nil {
		return nil, apperrors.Dependency("load feedback", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	counts := make(map[string]int)
	var order []string
	for _, e := range events {
		concept := strings.TrimSpace(e.Details.Concept())
		if concept == "" {
			concept = models.DefaultConcept
		}
		if counts[concept] == 0 {
			order = append(order, concept)
		}
		counts[concept]++
	}

	now := p.now()
	interests := make([]models.UserInterest, 0, len(order))
	for _, concept := range order {
		interest := models.UserInterest{
			UserID:    userID,
			Concept:   concept,
			Score:     InterestScore(counts[concept]),
			Source:    InterestSource,
			UpdatedAt: now,
		}
		if err := p.store.UpsertInterest(ctx, &interest); err != nil {
			return interests, apperrors.Dependency("upsert interest", err)
		}
		metrics.InterestsUpserted.Inc()
		interests = append(interests, interest)
	}

	logger.Info("User interests inferred",
		zap.String("user_id", userID),
		zap.Int("events", len(events)),
		zap.Int("concepts", len(interests)),
	)

	return interests, nil
}

// InterestScore maps an occurrence count to an interest score.
func InterestScore(occurrences int) float64 {
	if occurrences <= 0 {
		return 0
	}
	score := interestBase + interestIncrement*float64(occurrences)
	return math.Min(math.Round(score*100)/100, interestCap)
}
