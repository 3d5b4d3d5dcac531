package callback

import (
	"context"

	"go.uber.org/zap"

	"scrape-coordinator/internal/models"
)

// LogNotifier is the default downstream completion hook: it records the event
// and nothing else. Deployments plug a real consumer in its place.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) JobCompleted(_ context.Context, job models.Job, data map[string]map[string]any) error {
	n.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("skus_merged", len(data)),
		zap.Strings("scrapers", job.Scrapers))
	return nil
}
