package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
)

// echoResolver turns every message change into a message event carrying the
// row id, and drops everything else.
type echoResolver struct{}

func (echoResolver) ResolveEvent(_ context.Context, c feed.Change) (*service.Event, error) {
	if c.Resync() {
		return &service.Event{Type: service.EventResync}, nil
	}
	if c.Table != feed.TableMessages {
		return nil, nil
	}
	return &service.Event{Type: service.EventMessage, ChatID: c.ChatID, Message: &service.MessageDTO{ID: c.RowID}}, nil
}

// flakyResolver fails once for the given row.
type flakyResolver struct {
	mu     sync.Mutex
	failID uint
}

func (r *flakyResolver) ResolveEvent(ctx context.Context, c feed.Change) (*service.Event, error) {
	r.mu.Lock()
	fail := c.RowID == r.failID
	if fail {
		r.failID = 0
	}
	r.mu.Unlock()
	if fail {
		return nil, errors.New("store timeout")
	}
	return echoResolver{}.ResolveEvent(ctx, c)
}

func newTestHub(t *testing.T) (*Hub, *feed.Local) {
	t.Helper()
	f := feed.NewLocal(64)
	t.Cleanup(func() { _ = f.Close() })
	return NewHub(f, echoResolver{}), f
}

func publish(f *feed.Local, chatID uint, rows ...uint) {
	for _, id := range rows {
		f.Flush(context.Background(), feed.Change{Table: feed.TableMessages, Op: feed.OpInsert, ChatID: chatID, RowID: id, At: time.Now()})
	}
}

func recv(t *testing.T, s *Subscriber) service.Event {
	t.Helper()
	select {
	case ev, ok := <-s.C:
		if !ok {
			t.Fatal("subscriber closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return service.Event{}
}

func TestHub_Online_NonExistentChat(t *testing.T) {
	hub, _ := newTestHub(t)
	if online := hub.Online(999); online != 0 {
		t.Errorf("Online() for non-existent chat = %d, want 0", online)
	}
}

func TestHub_SubscribeAndRelease(t *testing.T) {
	hub, f := newTestHub(t)

	s1 := hub.Subscribe(1)
	s2 := hub.Subscribe(1)
	if hub.Online(1) != 2 {
		t.Errorf("Online() after subscribe = %d, want 2", hub.Online(1))
	}
	if hub.Chats() != 1 {
		t.Errorf("Chats() = %d, want 1", hub.Chats())
	}
	if f.Subscribers() != 1 {
		t.Errorf("feed subscribers = %d, want one per chat", f.Subscribers())
	}

	s1.Close()
	s1.Close()
	if hub.Online(1) != 1 {
		t.Errorf("Online() after close = %d, want 1", hub.Online(1))
	}
	s2.Close()
	if hub.Chats() != 0 {
		t.Errorf("Chats() after last close = %d, want 0", hub.Chats())
	}
	if f.Subscribers() != 0 {
		t.Errorf("feed subscribers after last close = %d, want 0", f.Subscribers())
	}
	if _, ok := <-s2.C; ok {
		t.Error("closed subscriber channel still open")
	}
}

func TestHub_BroadcastInOrder(t *testing.T) {
	hub, f := newTestHub(t)

	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i] = hub.Subscribe(1)
		defer subs[i].Close()
	}
	publish(f, 1, 10, 11, 12, 13)

	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(idx int, s *Subscriber) {
			defer wg.Done()
			for want := uint(10); want <= 13; want++ {
				select {
				case ev := <-s.C:
					if ev.Message == nil || ev.Message.ID != want {
						t.Errorf("subscriber %d got %+v, want message %d", idx, ev, want)
						return
					}
				case <-time.After(time.Second):
					t.Errorf("subscriber %d timed out waiting for %d", idx, want)
					return
				}
			}
		}(i, s)
	}
	wg.Wait()
}

func TestHub_ChatsAreIsolated(t *testing.T) {
	hub, f := newTestHub(t)
	s1 := hub.Subscribe(1)
	defer s1.Close()
	s2 := hub.Subscribe(2)
	defer s2.Close()

	publish(f, 2, 20)
	publish(f, 1, 10)

	if ev := recv(t, s1); ev.Message.ID != 10 {
		t.Errorf("chat 1 got message %d, want 10", ev.Message.ID)
	}
	if ev := recv(t, s2); ev.Message.ID != 20 {
		t.Errorf("chat 2 got message %d, want 20", ev.Message.ID)
	}
}

func TestHub_IgnoresUnresolvedChanges(t *testing.T) {
	hub, f := newTestHub(t)
	s := hub.Subscribe(1)
	defer s.Close()

	f.Flush(context.Background(), feed.Change{Table: feed.TableParticipants, Op: feed.OpUpdate, ChatID: 1, UserID: 3})
	publish(f, 1, 10)

	if ev := recv(t, s); ev.Type != service.EventMessage || ev.Message.ID != 10 {
		t.Errorf("got %+v, want message 10", ev)
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub, f := newTestHub(t)
	hub.buffer = 1

	slow := hub.Subscribe(1)
	defer slow.Close()
	publish(f, 1, 10, 11, 12)

	deadline := time.Now().Add(time.Second)
	for hub.Online(1) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Online(1) != 0 {
		t.Fatalf("Online() = %d, want slow subscriber detached", hub.Online(1))
	}
	if ev := recv(t, slow); ev.Message.ID != 10 {
		t.Errorf("first event = %d, want 10", ev.Message.ID)
	}
	if _, ok := <-slow.C; ok {
		t.Error("slow subscriber channel still open")
	}
}

func TestHub_ResolveFailureTriggersResync(t *testing.T) {
	f := feed.NewLocal(64)
	t.Cleanup(func() { _ = f.Close() })
	hub := NewHub(f, &flakyResolver{failID: 10})

	s := hub.Subscribe(1)
	defer s.Close()
	publish(f, 1, 10, 11)

	ev := recv(t, s)
	if ev.Type != service.EventResync || ev.ChatID != 1 {
		t.Fatalf("first event = %+v, want resync for chat 1", ev)
	}
	if ev := recv(t, s); ev.Type != service.EventMessage || ev.Message.ID != 11 {
		t.Errorf("second event = %+v, want message 11", ev)
	}
	if hub.Online(1) != 1 {
		t.Errorf("Online() = %d, want subscriber kept", hub.Online(1))
	}
}
