package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgChange(chatID, rowID uint) Change {
	return Change{Table: TableMessages, Op: OpInsert, ChatID: chatID, RowID: rowID, At: time.Now().UTC()}
}

func recv(t *testing.T, s *Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return c
	default:
		t.Fatal("expected a change")
		return Change{}
	}
}

func assertEmpty(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case c := <-s.C:
		t.Fatalf("unexpected change %+v", c)
	default:
	}
}

func TestFilter_Match(t *testing.T) {
	typing := Change{Table: TableTyping, ChatID: 3, UserID: 9}
	tests := []struct {
		name   string
		filter Filter
		change Change
		want   bool
	}{
		{"zero filter matches all", Filter{}, typing, true},
		{"same chat", Filter{ChatID: 3}, typing, true},
		{"other chat", Filter{ChatID: 4}, typing, false},
		{"table mismatch", Filter{Table: TableMessages}, typing, false},
		{"user match", Filter{Table: TableTyping, UserID: 9}, typing, true},
		{"user mismatch", Filter{UserID: 8}, typing, false},
		{"resync matches any filter", Filter{Table: TableChats, ChatID: 1, UserID: 1}, resync(time.Now()), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.change))
		})
	}
}

func TestLocal_DeliversOnFlushInOrder(t *testing.T) {
	l := NewLocal(8)
	defer l.Close()
	chat1 := l.Subscribe(Filter{ChatID: 1})
	chat2 := l.Subscribe(Filter{ChatID: 2})
	all := l.Subscribe(Filter{})
	assert.Equal(t, 3, l.Subscribers())

	require.NoError(t, l.Stage(nil, msgChange(1, 10)))
	assertEmpty(t, all)

	l.Flush(context.Background(), msgChange(1, 10), msgChange(2, 11), msgChange(1, 12))

	assert.EqualValues(t, 10, recv(t, chat1).RowID)
	assert.EqualValues(t, 12, recv(t, chat1).RowID)
	assertEmpty(t, chat1)
	assert.EqualValues(t, 11, recv(t, chat2).RowID)
	for _, want := range []uint{10, 11, 12} {
		assert.Equal(t, want, recv(t, all).RowID)
	}
}

func TestLocal_LaggingSubscriberGetsResync(t *testing.T) {
	l := NewLocal(2)
	defer l.Close()
	slow := l.Subscribe(Filter{})
	ctx := context.Background()

	l.Flush(ctx, msgChange(1, 1), msgChange(1, 2), msgChange(1, 3))
	assert.EqualValues(t, 1, recv(t, slow).RowID)
	assert.EqualValues(t, 2, recv(t, slow).RowID)
	assertEmpty(t, slow)

	l.Flush(ctx, msgChange(1, 4))
	assert.True(t, recv(t, slow).Resync(), "missed changes are announced before new ones")
	assert.EqualValues(t, 4, recv(t, slow).RowID)
}

func TestLocal_CloseEndsSubscriptions(t *testing.T) {
	l := NewLocal(4)
	s := l.Subscribe(Filter{})
	s.Close()
	_, ok := <-s.C
	assert.False(t, ok)
	assert.Zero(t, l.Subscribers())
	s.Close()

	other := l.Subscribe(Filter{})
	require.NoError(t, l.Close())
	_, ok = <-other.C
	assert.False(t, ok)

	late := l.Subscribe(Filter{})
	_, ok = <-late.C
	assert.False(t, ok, "subscribing after close yields a closed subscription")
	l.Flush(context.Background(), msgChange(1, 1))
}
