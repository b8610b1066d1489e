package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"smartplug_control/internal/logger"
	"smartplug_control/internal/models"
	"smartplug_control/internal/repository"
)

type EventLogService struct {
	eventRepo repository.PlugEventRepo
	log       *logger.Logger
}

func NewEventLogService(eventRepo repository.PlugEventRepo, log *logger.Logger) *EventLogService {
	return &EventLogService{eventRepo: eventRepo, log: log}
}

var (
	errInvalidTimeRange = errors.New("invalid time range: From must be <= To")
)

// normalizeToUTC returns t in UTC, preserving zero time values.
func normalizeToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// normalizeEventType trims spaces and uppercases the event type filter.
func normalizeEventType(s string) string {
	return strings.TrimSpace(strings.ToUpper(s))
}

// normalizeAndValidateFilter prepares query parameters and validates the time range.
func normalizeAndValidateFilter(f LogFilter) (repository.EventFilter, error) {
	from := normalizeToUTC(f.From)
	to := normalizeToUTC(f.To)

	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return repository.EventFilter{}, errInvalidTimeRange
	}

	return repository.EventFilter{
		From: from,
		To:   to,
		Type: normalizeEventType(f.Type),
		IP:   strings.TrimSpace(f.IP),
	}, nil
}

func (s *EventLogService) List(ctx context.Context, f LogFilter) ([]models.PlugEvent, error) {
	rf, err := normalizeAndValidateFilter(f)
	if err != nil {
		return nil, err
	}
	return s.eventRepo.List(ctx, rf)
}

// Record appends an audit entry. Failures are logged, never returned.
func (s *EventLogService) Record(ctx context.Context, typ, ip, description string, meta any) {
	err := s.eventRepo.Append(ctx, models.PlugEvent{
		OccurredAt:  time.Now().UTC(),
		Type:        typ,
		IP:          ip,
		Description: description,
		Metadata:    meta,
	})
	if err != nil && s.log != nil {
		s.log.Errorw("plug_event_append_failed", "type", typ, "ip", ip, "error", err)
	}
}
