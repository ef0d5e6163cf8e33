package hmr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStartsFresh(t *testing.T) {
	h := New("example.com", 443, "basic")
	assert.Equal(t, StateFresh, h.State())
	assert.Equal(t, "example.com", h.Hostname)
}

func TestLegalTransitions(t *testing.T) {
	h := New("h", 80, "")
	assert.NoError(t, h.Transition(StateConnected))
	assert.Equal(t, StateConnected, h.State())
	assert.NoError(t, h.Transition(StateRequesting))
	assert.NoError(t, h.Transition(StateResponding))
	assert.NoError(t, h.Transition(StateRequesting))
	assert.NoError(t, h.Transition(StateClosed))
	assert.NoError(t, h.Transition(StateConnected))
}

func TestConnectedCanCloseWithoutRequesting(t *testing.T) {
	h := New("h", 80, "")
	require := assert.New(t)
	require.NoError(h.Transition(StateConnected))
	require.NoError(h.Transition(StateClosed))
	require.Equal(StateClosed, h.State())
}

func TestIllegalTransition(t *testing.T) {
	h := New("h", 80, "")
	err := h.Transition(StateRequesting)
	assert.Error(t, err)
	assert.Equal(t, StateFresh, h.State())
}

func TestResetPerRequest(t *testing.T) {
	h := New("h", 80, "")
	h.ContentLength = 10
	h.ETag = "abc"
	h.ETagWeak = true
	h.Chunked = true
	h.Filename = "foo.txt"
	h.ResetPerRequest()
	assert.Equal(t, int64(-1), h.ContentLength)
	assert.Empty(t, h.ETag)
	assert.False(t, h.ETagWeak)
	assert.False(t, h.Chunked)
	assert.Empty(t, h.Filename)
}

func TestAuthRoundTrip(t *testing.T) {
	h := New("h", 80, "digest")
	h.SetAuth(AuthMaterial{Realm: "foo", Nonce: "bar", NC: 1})
	assert.Equal(t, "foo", h.Auth().Realm)
	h.ClearAuth()
	assert.Equal(t, AuthMaterial{}, h.Auth())
}

func TestOptionSupportBitmap(t *testing.T) {
	h := New("h", 80, "")
	assert.True(t, h.Supported(VerbDelete)) // unknown until proven otherwise

	h.MarkOptionUnsupported(VerbDelete)
	assert.False(t, h.Supported(VerbDelete))
	assert.True(t, h.Supported(VerbGet))

	h.MarkOptionSupported(VerbDelete)
	assert.True(t, h.Supported(VerbDelete))
}
