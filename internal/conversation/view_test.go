package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id, sender uint, offset time.Duration, body string) service.MessageDTO {
	return service.MessageDTO{ID: id, ChatID: 1, SenderID: sender, Body: body, CreatedAt: base.Add(offset)}
}

type fakeStream struct {
	ch   chan service.Event
	once sync.Once
}

func (s *fakeStream) Events() <-chan service.Event { return s.ch }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

type fakeBackend struct {
	mu        sync.Mutex
	history   []service.MessageDTO
	stream    *fakeStream
	sendErr   error
	sent      []string
	reads     int
	typing    []bool
	analysis  map[uint]*service.AnalysisDTO
	nextID    uint
	onHistory func()
}

func newFakeBackend(history ...service.MessageDTO) *fakeBackend {
	return &fakeBackend{
		history:  history,
		stream:   &fakeStream{ch: make(chan service.Event, 16)},
		analysis: make(map[uint]*service.AnalysisDTO),
		nextID:   100,
	}
}

func (b *fakeBackend) Subscribe(context.Context, uint) (Stream, error) { return b.stream, nil }

func (b *fakeBackend) History(_ context.Context, _, beforeID uint, limit int) ([]service.MessageDTO, error) {
	b.mu.Lock()
	hook := b.onHistory
	b.onHistory = nil
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []service.MessageDTO
	for _, m := range b.history {
		if beforeID != 0 && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *fakeBackend) Send(_ context.Context, _ uint, body string) (*service.MessageDTO, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.sent = append(b.sent, body)
	b.nextID++
	m := msg(b.nextID, 1, time.Hour, body)
	return &m, nil
}

func (b *fakeBackend) MarkRead(context.Context, uint) error {
	b.mu.Lock()
	b.reads++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) SetTyping(_ context.Context, _ uint, isTyping bool) error {
	b.mu.Lock()
	b.typing = append(b.typing, isTyping)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Analysis(_ context.Context, id uint) (*service.AnalysisDTO, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.analysis[id], nil
}

func (b *fakeBackend) snapshot() (reads int, typing []bool, sent []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads, append([]bool(nil), b.typing...), append([]string(nil), b.sent...)
}

func ids(msgs []service.MessageDTO) []uint {
	out := make([]uint, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestView_OpenLoadsHistoryAndMarksRead(t *testing.T) {
	b := newFakeBackend(msg(1, 2, 0, "a"), msg(2, 1, time.Second, "b"))
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})
	require.NoError(t, v.Open(context.Background()))
	defer v.Close()

	assert.Equal(t, []uint{1, 2}, ids(v.Messages()))
	reads, _, _ := b.snapshot()
	assert.Equal(t, 1, reads)
}

func TestView_ApplyOrdersAndDedupes(t *testing.T) {
	b := newFakeBackend(msg(1, 2, 0, "a"), msg(3, 2, 3*time.Second, "c"))
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()
	require.NoError(t, v.Open(ctx))
	defer v.Close()

	m2 := msg(2, 2, 2*time.Second, "b")
	v.Apply(ctx, service.Event{Type: service.EventMessage, Message: &m2})
	m3 := msg(3, 2, 3*time.Second, "c")
	v.Apply(ctx, service.Event{Type: service.EventMessage, Message: &m3})
	same := msg(5, 2, 4*time.Second, "e")
	tie := msg(4, 2, 4*time.Second, "d")
	v.Apply(ctx, service.Event{Type: service.EventMessage, Message: &same})
	v.Apply(ctx, service.Event{Type: service.EventMessage, Message: &tie})

	assert.Equal(t, []uint{1, 2, 3, 4, 5}, ids(v.Messages()))
	reads, _, _ := b.snapshot()
	assert.Equal(t, 4, reads, "open plus one per new incoming message")
}

func TestView_OwnMessageDoesNotMarkRead(t *testing.T) {
	b := newFakeBackend()
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()
	require.NoError(t, v.Open(ctx))
	defer v.Close()

	own := msg(7, 1, 0, "mine")
	v.Apply(ctx, service.Event{Type: service.EventMessage, Message: &own})
	reads, _, _ := b.snapshot()
	assert.Equal(t, 1, reads)
}

func TestView_DeleteAndResync(t *testing.T) {
	b := newFakeBackend(msg(1, 2, 0, "a"), msg(2, 2, time.Second, "b"))
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()
	require.NoError(t, v.Open(ctx))
	defer v.Close()

	v.Apply(ctx, service.Event{Type: service.EventMessageDeleted, MessageID: 1})
	assert.Equal(t, []uint{2}, ids(v.Messages()))

	b.mu.Lock()
	b.history = append(b.history, msg(3, 2, 2*time.Second, "missed"))
	b.mu.Unlock()
	v.Apply(ctx, service.Event{Type: service.EventResync})
	assert.Equal(t, []uint{1, 2, 3}, ids(v.Messages()), "resync reloads from the store")
}

func TestView_ResyncDropsMessagesGoneFromStore(t *testing.T) {
	b := newFakeBackend(msg(1, 2, 0, "a"), msg(2, 2, time.Second, "b"))
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()
	require.NoError(t, v.Open(ctx))
	defer v.Close()

	// 3 arrives live, is deleted in the store, and its delete event is lost.
	m3 := msg(3, 2, 2*time.Second, "later deleted")
	v.Apply(ctx, service.Event{Type: service.EventMessage, Message: &m3})
	require.Equal(t, []uint{1, 2, 3}, ids(v.Messages()))

	v.Apply(ctx, service.Event{Type: service.EventResync})
	assert.Equal(t, []uint{1, 2}, ids(v.Messages()))
}

func TestView_ResyncKeepsMessagesArrivingDuringReload(t *testing.T) {
	b := newFakeBackend(msg(1, 2, 0, "a"))
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})
	ctx := context.Background()
	require.NoError(t, v.Open(ctx))
	defer v.Close()

	during := msg(4, 2, 5*time.Second, "during")
	b.mu.Lock()
	b.onHistory = func() {
		v.Apply(ctx, service.Event{Type: service.EventMessage, Message: &during})
	}
	b.mu.Unlock()

	v.Apply(ctx, service.Event{Type: service.EventResync})
	assert.Equal(t, []uint{1, 4}, ids(v.Messages()))

	// Once the reload is over, later resyncs trust the store again.
	v.Apply(ctx, service.Event{Type: service.EventResync})
	assert.Equal(t, []uint{1}, ids(v.Messages()))
}

func TestView_LiveStream(t *testing.T) {
	b := newFakeBackend()
	changed := make(chan struct{}, 8)
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock(), OnChange: func() { changed <- struct{}{} }})
	require.NoError(t, v.Open(context.Background()))

	m := msg(9, 2, 0, "live")
	b.stream.ch <- service.Event{Type: service.EventMessage, Message: &m}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	assert.Equal(t, []uint{9}, ids(v.Messages()))

	require.NoError(t, v.Close())
	select {
	case <-v.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestView_SendRejectsEmptyDraft(t *testing.T) {
	b := newFakeBackend()
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})

	v.SetDraft("   ")
	err := v.Send(context.Background())
	assert.ErrorIs(t, err, service.ErrEmptyBody)
	_, _, sent := b.snapshot()
	assert.Empty(t, sent)
}

func TestView_SendFailureKeepsDraft(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = errors.New("store down")
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})

	v.SetDraft("hello")
	err := v.Send(context.Background())
	require.Error(t, err)
	assert.Equal(t, "hello", v.Draft())
	assert.Empty(t, v.Messages())
}

func TestView_SendClearsDraftAndTyping(t *testing.T) {
	b := newFakeBackend()
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})

	v.SetDraft("h")
	v.SetDraft("hello")
	require.NoError(t, v.Send(context.Background()))

	assert.Equal(t, "", v.Draft())
	assert.Len(t, v.Messages(), 1)
	_, typing, sent := b.snapshot()
	assert.Equal(t, []string{"hello"}, sent)
	assert.Equal(t, []bool{true, false}, typing)
}

func TestView_TypingIndicator(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := newFakeBackend()
	v := New(b, 1, 1, Options{Clock: clock, TypingTTL: 4 * time.Second})
	ctx := context.Background()

	v.Apply(ctx, service.Event{Type: service.EventTyping, Typing: &service.TypingDTO{UserID: 1, Username: "me", IsTyping: true}})
	assert.Equal(t, "", v.TypingText(), "own typing is not shown")

	v.Apply(ctx, service.Event{Type: service.EventTyping, Typing: &service.TypingDTO{UserID: 2, Username: "bob", IsTyping: true}})
	assert.Equal(t, "bob is typing", v.TypingText())

	clock.Advance(4 * time.Second)
	assert.Equal(t, "", v.TypingText(), "typing lapses without a refresh")
}

func TestView_RiskPanel(t *testing.T) {
	b := newFakeBackend()
	b.analysis[2] = &service.AnalysisDTO{
		MessageID:           2,
		SentimentScore:      -0.5,
		CredibilityScore:    0.9,
		ToxicityScore:       0.8,
		FakeNewsProbability: 0.4,
		ThreatLevel:         "low",
	}
	v := New(b, 1, 1, Options{Clock: clockwork.NewFakeClock()})

	pending, err := v.RiskPanel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, RiskPending, pending.Status)
	assert.Nil(t, pending.Analysis)

	panel, err := v.RiskPanel(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, RiskAnalyzed, panel.Status)
	assert.Equal(t, "negative", panel.Sentiment)
	assert.Equal(t, SeverityMedium, panel.SentimentSeverity)
	assert.Equal(t, SeverityLow, panel.CredibilitySeverity)
	assert.Equal(t, SeverityHigh, panel.ToxicitySeverity)
	assert.Equal(t, SeverityMedium, panel.FakeNewsSeverity)
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0, SeverityLow},
		{0.29, SeverityLow},
		{0.3, SeverityMedium},
		{0.69, SeverityMedium},
		{0.7, SeverityHigh},
		{1, SeverityHigh},
	}
	for _, tt := range tests {
		if got := Severity(tt.score); got != tt.want {
			t.Errorf("Severity(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
	assert.Equal(t, "neutral", SentimentLabel(0))
	assert.Equal(t, "positive", SentimentLabel(0.1))
}
