package interest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperritano/Nutella/errors"
)

func TestTracker_SingleInterestLifecycle(t *testing.T) {
	for _, kind := range []Kind{Deliveries, IssueRequests, HandleRequests} {
		t.Run(kind.String(), func(t *testing.T) {
			tr := NewTracker()

			tr1, err := tr.Mark("echo", kind)
			require.NoError(t, err)
			assert.Equal(t, Subscribe, tr1)
			assert.True(t, tr.IsInterested("echo", kind))
			assert.True(t, tr.IsSubscribed("echo"))

			// Re-marking is a warning and never a second subscribe.
			for i := 0; i < 3; i++ {
				again, err := tr.Mark("echo", kind)
				assert.Equal(t, None, again)
				assert.True(t, errors.IsWarning(err))
			}

			tr2, err := tr.Clear("echo", kind)
			require.NoError(t, err)
			assert.Equal(t, Unsubscribe, tr2)
			assert.False(t, tr.IsSubscribed("echo"))

			tr3, err := tr.Clear("echo", kind)
			assert.Equal(t, None, tr3)
			assert.True(t, errors.IsWarning(err))
		})
	}
}

func TestTracker_SharedSubscription(t *testing.T) {
	tr := NewTracker()

	first, err := tr.Mark("shared", Deliveries)
	require.NoError(t, err)
	assert.Equal(t, Subscribe, first)

	second, err := tr.Mark("shared", HandleRequests)
	require.NoError(t, err)
	assert.Equal(t, None, second)

	cleared, err := tr.Clear("shared", Deliveries)
	require.NoError(t, err)
	assert.Equal(t, None, cleared, "handler interest keeps the subscription")
	assert.True(t, tr.IsSubscribed("shared"))
	assert.False(t, tr.IsInterested("shared", Deliveries))
	assert.True(t, tr.IsInterested("shared", HandleRequests))

	last, err := tr.Clear("shared", HandleRequests)
	require.NoError(t, err)
	assert.Equal(t, Unsubscribe, last)
}

func TestTracker_Warnings(t *testing.T) {
	tests := []struct {
		kind    Kind
		already error
		not     error
	}{
		{Deliveries, errors.ErrAlreadySubscribed, errors.ErrNotSubscribed},
		{IssueRequests, errors.ErrAlreadyRequesting, errors.ErrNotRequesting},
		{HandleRequests, errors.ErrAlreadyHandling, errors.ErrNotHandling},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			tr := NewTracker()

			_, err := tr.Clear("never", tt.kind)
			assert.ErrorIs(t, err, tt.not)

			_, _ = tr.Mark("x", tt.kind)
			_, err = tr.Mark("x", tt.kind)
			assert.ErrorIs(t, err, tt.already)
			assert.Contains(t, err.Error(), "channel x")
		})
	}
}

func TestTracker_ChannelsAndRestore(t *testing.T) {
	tr := NewTracker()
	_, _ = tr.Mark("b", Deliveries)
	_, _ = tr.Mark("a", Deliveries)
	_, _ = tr.Mark("c", HandleRequests)

	assert.Equal(t, []string{"a", "b"}, tr.Channels(Deliveries))
	assert.Equal(t, []string{"c"}, tr.Channels(HandleRequests))
	assert.Empty(t, tr.Channels(IssueRequests))
	assert.Equal(t, 3, tr.Subscribed())

	tr.Restore("a", Deliveries, false)
	assert.False(t, tr.IsInterested("a", Deliveries))
	tr.Restore("z", IssueRequests, true)
	assert.True(t, tr.IsInterested("z", IssueRequests))
	tr.Restore("missing", Deliveries, false)
	_, ok := tr.Get("missing")
	assert.False(t, ok)

	rec, ok := tr.Get("a")
	require.True(t, ok)
	assert.False(t, rec.Subscribed())
}
