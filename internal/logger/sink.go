package logger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/store"
)

// ConversationCollection is the store collection used by StoreSink.
const ConversationCollection = "conversations"

// ConversationRecord is the audit entry written for every completion served
// by an adapter.
type ConversationRecord struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	ProfileID      string              `json:"profileId,omitempty"`
	UserID         string              `json:"userId"`
	Messages       []providers.Message `json:"messages"`
	Result         *providers.Result   `json:"result"`
	Provider       string              `json:"provider"`
	Model          string              `json:"model"`
	Tokens         providers.Tokens    `json:"tokens"`
	Cost           float64             `json:"cost"`
	UsedFallback   bool                `json:"usedFallback"`
	LatencyMs      int64               `json:"latencyMs"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Sink receives batches of records from the Logger goroutine.
type Sink interface {
	Write(ctx context.Context, batch []ConversationRecord) error
	Close() error
}

// SlogSink writes one structured log line per record.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, batch []ConversationRecord) error {
	for _, r := range batch {
		s.log.InfoContext(ctx, "conversation",
			slog.String("id", r.ID),
			slog.String("conversation_id", r.ConversationID),
			slog.String("profile_id", r.ProfileID),
			slog.String("user_id", r.UserID),
			slog.String("provider", r.Provider),
			slog.String("model", r.Model),
			slog.Int("messages", len(r.Messages)),
			slog.Int("prompt_tokens", r.Tokens.Prompt),
			slog.Int("completion_tokens", r.Tokens.Completion),
			slog.Float64("cost", r.Cost),
			slog.Bool("used_fallback", r.UsedFallback),
			slog.Int64("latency_ms", r.LatencyMs),
			slog.Time("timestamp", normalizeTime(r.Timestamp)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

// StoreSink persists each record as a document in the conversations
// collection.
type StoreSink struct {
	st store.Store
}

func NewStoreSink(st store.Store) *StoreSink {
	return &StoreSink{st: st}
}

// Write stores every record and joins the individual failures.
func (s *StoreSink) Write(ctx context.Context, batch []ConversationRecord) error {
	var errs []error
	for _, r := range batch {
		data, err := json.Marshal(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("logger: encode %s: %w", r.ID, err))
			continue
		}
		_, err = s.st.Create(ctx, store.Record{
			ID:         r.ID,
			Collection: ConversationCollection,
			Data:       data,
			CreatedAt:  normalizeTime(r.Timestamp),
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the store when it supports it.
func (s *StoreSink) Close() error {
	if c, ok := s.st.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// MultiSink fans a batch out to several sinks.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, batch []ConversationRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
