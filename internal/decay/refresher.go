package decay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

const DefaultBatchSize = 50

type Store interface {
	ListItemsForDecay(ctx context.Context, offset, limit int) ([]models.DecayCandidate, error)
	UpdateDecay(ctx context.Context, updates []models.DecayUpdate) error
}

type Report struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
}

type Refresher struct {
	store     Store
	batchSize int
	now       func() time.Time
}

func NewRefresher(store Store, batchSize int) *Refresher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Refresher{store: store, batchSize: batchSize, now: time.Now}
}

// RefreshAll recomputes decay for every item, one batch per transaction. A
// failed batch is logged and skipped; only a failed read aborts the run.
func (r *Refresher) RefreshAll(ctx context.Context) (*Report, error) {
	now := r.now()
	report := &Report{}

	for offset := 0; ; offset += r.batchSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch, err := r.store.ListItemsForDecay(ctx, offset, r.batchSize)
		if err != nil {
			return report, apperrors.Dependency("list items for decay", err)
		}
		if len(batch) == 0 {
			break
		}
		report.Total += len(batch)

		updates := make([]models.DecayUpdate, len(batch))
		for i, c := range batch {
			s := Calculate(c.UpdatedAt, Type(c.DecayType), c.ValidUntil, now)
			updates[i] = models.DecayUpdate{ItemID: c.ID, Score: s.Value, Status: s.Status}
		}

		if err := r.store.UpdateDecay(ctx, updates); err != nil {
			logger.Warn("Decay batch failed",
				zap.Int("offset", offset),
				zap.Int("size", len(updates)),
				zap.Error(err),
			)
			metrics.DecayUpdated.WithLabelValues("error").Add(float64(len(updates)))
		} else {
			report.Updated += len(updates)
			for _, u := range updates {
				metrics.DecayUpdated.WithLabelValues(string(u.Status)).Inc()
			}
		}

		if len(batch) < r.batchSize {
			break
		}
	}

	logger.Info("Decay refresh completed",
		zap.Int("total", report.Total),
		zap.Int("updated", report.Updated),
	)
	return report, nil
}

func (r Report) String() string {
	return fmt.Sprintf("updated decay scores for %d of %d items", r.Updated, r.Total)
}
