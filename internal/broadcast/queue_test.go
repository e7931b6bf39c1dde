package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsNewestInOrder(t *testing.T) {
	t.Parallel()

	r := newRing(256)
	dropped := 0
	for i := 0; i < 300; i++ {
		if r.push(Message{Data: i}) {
			dropped++
		}
	}
	assert.Equal(t, 44, dropped)
	require.Equal(t, 256, r.len())
	for want := 44; want < 300; want++ {
		msg, ok := r.pop()
		require.True(t, ok)
		require.Equal(t, want, msg.Data)
	}
	_, ok := r.pop()
	assert.False(t, ok)
}

func TestRingWrapAround(t *testing.T) {
	t.Parallel()

	r := newRing(3)
	r.push(Message{Data: 1})
	r.push(Message{Data: 2})
	msg, _ := r.pop()
	assert.Equal(t, 1, msg.Data)
	r.push(Message{Data: 3})
	r.push(Message{Data: 4})
	assert.True(t, r.push(Message{Data: 5}), "oldest element evicted")
	var got []any
	for {
		m, ok := r.pop()
		if !ok {
			break
		}
		got = append(got, m.Data)
	}
	assert.Equal(t, []any{3, 4, 5}, got)
}
