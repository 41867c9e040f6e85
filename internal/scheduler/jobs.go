package scheduler

import (
	"context"
	"fmt"
	"time"

	"notiflow/internal/engine"
	logx "notiflow/pkg/logx"
)

const (
	JobReport  = "report.summary"
	JobCompact = "storage.compact"
)

type Reporter interface {
	Summary() engine.Summary
}

type Compactor interface {
	Compact(ctx context.Context) error
}

// ReportJob logs the engine summary at info level.
func ReportJob(src Reporter, log logx.Logger) Job {
	return func(ctx context.Context) error {
		s := src.Summary()
		fields := []logx.Field{
			logx.Int("deliveries", s.Deliveries),
			logx.Float64("delivery_rate", s.DeliveryRate),
			logx.Duration("avg_delivery", s.AverageDeliveryTime),
			logx.Int("escalations", s.Escalations),
			logx.Int("escalations_active", s.ActiveEscalations),
			logx.Int("routes", s.Routes),
			logx.Int64("catalog_version", int64(s.CatalogVersion)),
		}
		for st, n := range s.ByStatus {
			fields = append(fields, logx.Int("status."+string(st), n))
		}
		log.Info("delivery summary", fields...)
		return nil
	}
}

// CompactJob drops superseded store revisions.
func CompactJob(c Compactor, log logx.Logger) Job {
	return func(ctx context.Context) error {
		start := time.Now()
		if err := c.Compact(ctx); err != nil {
			return fmt.Errorf("compact store: %w", err)
		}
		log.Info("store compacted", logx.Duration("took", time.Since(start)))
		return nil
	}
}
