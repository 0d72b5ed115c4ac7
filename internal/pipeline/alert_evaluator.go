package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/metrics"
)

type AlertDeduper interface {
	ClaimAlert(ctx context.Context, assetID, code string, ttl time.Duration) (bool, error)
	PublishAlert(ctx context.Context, payload []byte) error
}

type AlertRecorder interface {
	InsertAlert(ctx context.Context, e domain.FaultEvent) error
}

// AlertEvaluator raises one alert per asset and fault code per dedup window
// for critical activations. recorder may be nil when the archive is off.
type AlertEvaluator struct {
	ch       <-chan domain.FaultEvent
	dedup    AlertDeduper
	recorder AlertRecorder
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewAlertEvaluator(
	ch <-chan domain.FaultEvent,
	dedup AlertDeduper,
	recorder AlertRecorder,
	ttl time.Duration,
	logger *zap.Logger,
) *AlertEvaluator {
	return &AlertEvaluator{
		ch:       ch,
		dedup:    dedup,
		recorder: recorder,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.Named("alerts"),
	}
}

func (e *AlertEvaluator) Run(ctx context.Context) {
	for {
		select {
		case fe, ok := <-e.ch:
			if !ok {
				return
			}
			e.evaluate(ctx, fe)

		case <-ctx.Done():
			return
		}
	}
}

func (e *AlertEvaluator) evaluate(ctx context.Context, fe domain.FaultEvent) {
	if !fe.Active || fe.Severity != domain.SeverityCritical {
		return
	}

	claimed, err := e.dedup.ClaimAlert(ctx, fe.AssetID, fe.Code, e.ttl)
	if err != nil {
		e.logger.Error("alert dedup check failed", zap.String("asset", fe.AssetID), zap.String("code", fe.Code), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	if e.recorder != nil {
		if err := e.recorder.InsertAlert(ctx, fe); err != nil {
			e.logger.Error("alert insert failed", zap.String("asset", fe.AssetID), zap.Error(err))
		}
	}

	alertPayload, _ := json.Marshal(map[string]interface{}{
		"asset_id":     fe.AssetID,
		"vin":          fe.VIN,
		"code":         fe.Code,
		"description":  fe.Description,
		"severity":     string(fe.Severity),
		"fault_time":   fe.Time.Unix(),
		"triggered_at": e.now().Unix(),
	})
	if err := e.dedup.PublishAlert(ctx, alertPayload); err != nil {
		e.logger.Error("alert publish failed", zap.String("asset", fe.AssetID), zap.Error(err))
		return
	}
	metrics.AlertsPublished.Inc()
}
