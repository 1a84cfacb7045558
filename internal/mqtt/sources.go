package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flybeeper/geolog/internal/engine"
	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/internal/models"
)

// Publisher отправка управляющих сообщений
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// LocationControl управляющее сообщение для источника локаций
type LocationControl struct {
	Accuracy          models.Accuracy `json:"accuracy"`
	IntervalMs        int64           `json:"interval_ms"`
	FastestIntervalMs int64           `json:"fastest_interval_ms,omitempty"`
	Priority          string          `json:"priority,omitempty"`
}

// ActivityControl управляющее сообщение для распознавания активности
type ActivityControl struct {
	IntervalMs int64 `json:"interval_ms"`
}

// LocationSource подписка на локации через retained сообщение в control/location
type LocationSource struct {
	pub   Publisher
	topic string
}

// NewLocationSource создает источник локаций, управляемый через топик
func NewLocationSource(pub Publisher, topic string) *LocationSource {
	return &LocationSource{pub: pub, topic: topic}
}

func (s *LocationSource) Subscribe(ctx context.Context, req engine.LocationRequest) error {
	return s.publish(LocationControl{
		Accuracy:          req.Accuracy,
		IntervalMs:        req.Interval.Milliseconds(),
		FastestIntervalMs: req.FastestInterval.Milliseconds(),
		Priority:          req.Priority,
	})
}

func (s *LocationSource) Unsubscribe(ctx context.Context) error {
	return s.publish(LocationControl{Accuracy: models.AccuracyNone})
}

func (s *LocationSource) publish(msg LocationControl) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal location control: %w", err)
	}
	if err := s.pub.Publish(s.topic, payload, true); err != nil {
		return err
	}
	metrics.MQTTControlPublished.WithLabelValues(engine.SourceLocation.String()).Inc()
	return nil
}

// ActivitySource подписка на распознавание активности через control/activity
type ActivitySource struct {
	pub   Publisher
	topic string
}

// NewActivitySource создает источник активности, управляемый через топик
func NewActivitySource(pub Publisher, topic string) *ActivitySource {
	return &ActivitySource{pub: pub, topic: topic}
}

func (s *ActivitySource) Subscribe(ctx context.Context, interval time.Duration) error {
	return s.publish(ActivityControl{IntervalMs: interval.Milliseconds()})
}

func (s *ActivitySource) Unsubscribe(ctx context.Context) error {
	return s.publish(ActivityControl{})
}

func (s *ActivitySource) publish(msg ActivityControl) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal activity control: %w", err)
	}
	if err := s.pub.Publish(s.topic, payload, true); err != nil {
		return err
	}
	metrics.MQTTControlPublished.WithLabelValues(engine.SourceActivity.String()).Inc()
	return nil
}

var (
	_ engine.LocationSource = (*LocationSource)(nil)
	_ engine.ActivitySource = (*ActivitySource)(nil)
)
