package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
	"github.com/nulpointcorp/provider-gateway/internal/store"
)

type memSink struct {
	mu      sync.Mutex
	batches [][]ConversationRecord
	err     error
	closed  bool
	block   chan struct{}
}

func (s *memSink) Write(_ context.Context, batch []ConversationRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *memSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memSink) records() []ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ConversationRecord
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func sampleRecord(id string) ConversationRecord {
	return ConversationRecord{
		ID:             id,
		ConversationID: "conv-" + id,
		UserID:         "anonymous",
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		Result:         &providers.Result{Content: "Hi", Model: "m", Provider: "mockA", Tokens: providers.NewTokens(1, 1, 0, 0)},
		Provider:       "mockA",
		Model:          "m",
		Tokens:         providers.NewTokens(1, 1, 0, 0),
		Timestamp:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNew_NilContext(t *testing.T) {
	if _, err := New(nil, &memSink{}); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestLogger_FlushOnClose(t *testing.T) {
	sink := &memSink{}
	l, err := New(context.Background(), sink, WithFlushInterval(time.Hour), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		l.Log(sampleRecord(string(rune('a' + i))))
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(sink.records()); got != 5 {
		t.Fatalf("sink got %d records, want 5", got)
	}
	if !sink.closed {
		t.Fatal("Close must close the sink")
	}
}

func TestLogger_BatchesBySize(t *testing.T) {
	sink := &memSink{}
	l, _ := New(context.Background(), sink, WithBatchSize(3), WithFlushInterval(time.Hour), WithLogger(quietLogger()))

	for i := 0; i < 7; i++ {
		l.Log(sampleRecord("r"))
	}
	_ = l.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(sink.batches))
	}
	if len(sink.batches[0]) != 3 || len(sink.batches[2]) != 1 {
		t.Fatalf("unexpected batch sizes: %d, %d", len(sink.batches[0]), len(sink.batches[2]))
	}
}

func TestLogger_FlushOnInterval(t *testing.T) {
	sink := &memSink{}
	l, _ := New(context.Background(), sink, WithFlushInterval(10*time.Millisecond), WithLogger(quietLogger()))
	defer l.Close()

	l.Log(sampleRecord("x"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.records()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("record was not flushed on the interval")
}

type countingDrops struct{ n atomic.Int64 }

func (c *countingDrops) RecordDropped() { c.n.Add(1) }

func TestLogger_DropsWhenFull(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	drops := &countingDrops{}
	l, _ := New(context.Background(), sink,
		WithBuffer(2), WithBatchSize(1), WithDropCounter(drops), WithLogger(quietLogger()))

	// The first record is picked up and blocks the writer; the next two
	// fill the buffer; everything after is dropped.
	l.Log(sampleRecord("1"))
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 10; i++ {
		l.Log(sampleRecord("n"))
	}

	if l.DroppedLogs() != 8 {
		t.Fatalf("DroppedLogs = %d, want 8", l.DroppedLogs())
	}
	if drops.n.Load() != 8 {
		t.Fatalf("drop counter = %d, want 8", drops.n.Load())
	}
	close(sink.block)
	_ = l.Close()
}

func TestLogger_SinkErrorCounted(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	l, _ := New(context.Background(), sink, WithFlushInterval(time.Hour), WithLogger(quietLogger()))

	l.Log(sampleRecord("a"))
	l.Log(sampleRecord("b"))
	_ = l.Close()

	if l.FailedWrites() != 2 {
		t.Fatalf("FailedWrites = %d, want 2", l.FailedWrites())
	}
}

func TestLogger_CancelledContextStillFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := &memSink{}
	l, _ := New(ctx, sink, WithFlushInterval(time.Hour), WithLogger(quietLogger()))

	l.Log(sampleRecord("a"))
	cancel()
	_ = l.Close()

	if len(sink.records()) != 1 {
		t.Fatal("queued records must be flushed on Close")
	}
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	if err := s.Write(context.Background(), []ConversationRecord{sampleRecord("a")}); err != nil {
		t.Fatal(err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["msg"] != "conversation" || line["provider"] != "mockA" || line["conversation_id"] != "conv-a" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if strings.Contains(buf.String(), `"content"`) {
		t.Fatal("message content must not be logged")
	}
}

func TestStoreSink(t *testing.T) {
	st := store.NewMemoryStore()
	sink := NewStoreSink(st)

	if err := sink.Write(context.Background(), []ConversationRecord{sampleRecord("a"), sampleRecord("b")}); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetByID(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Collection != ConversationCollection {
		t.Fatalf("collection = %q", got.Collection)
	}
	var rec ConversationRecord
	if err := json.Unmarshal(got.Data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ConversationID != "conv-a" || rec.Result.Content != "Hi" {
		t.Fatalf("stored record = %+v", rec)
	}

	// Duplicate ids fail individually.
	if err := sink.Write(context.Background(), []ConversationRecord{sampleRecord("a")}); err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	fw := &fakeWriter{}
	sink := &KafkaSink{w: fw, topic: "conversations"}

	if err := sink.Write(context.Background(), []ConversationRecord{sampleRecord("a")}); err != nil {
		t.Fatal(err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("got %d messages", len(fw.msgs))
	}
	m := fw.msgs[0]
	if string(m.Key) != "conv-a" {
		t.Fatalf("key = %q, want conversation id", m.Key)
	}
	var rec ConversationRecord
	if err := json.Unmarshal(m.Value, &rec); err != nil || rec.ID != "a" {
		t.Fatalf("value = %s (%v)", m.Value, err)
	}
	if len(m.Headers) != 2 || string(m.Headers[0].Value) != "mockA" {
		t.Fatalf("headers = %+v", m.Headers)
	}

	fw.err = errors.New("leader not available")
	if err := sink.Write(context.Background(), []ConversationRecord{sampleRecord("b")}); err == nil {
		t.Fatal("expected publish error")
	}

	_ = sink.Close()
	if !fw.closed {
		t.Fatal("Close must close the writer")
	}
}

func TestNewKafkaSink_Validation(t *testing.T) {
	if _, err := NewKafkaSink(nil, "t"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaSink([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
	s, err := NewKafkaSink([]string{"localhost:9092"}, "t")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
}

func TestMultiSink(t *testing.T) {
	a, b := &memSink{}, &memSink{err: errors.New("b down")}
	m := MultiSink{a, b}

	err := m.Write(context.Background(), []ConversationRecord{sampleRecord("x")})
	if err == nil || !strings.Contains(err.Error(), "b down") {
		t.Fatalf("err = %v", err)
	}
	if len(a.records()) != 1 || len(b.records()) != 1 {
		t.Fatal("every sink must receive the batch")
	}
	_ = m.Close()
	if !a.closed || !b.closed {
		t.Fatal("Close must reach every sink")
	}
}
