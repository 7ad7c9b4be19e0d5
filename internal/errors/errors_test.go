package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsSentinel(t *testing.T) {
	err := Wrapf(ErrConflict, "put %s/%s", "ci_context", "apollo")

	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "ci_context/apollo")
}

func TestInvalidfAndNotFoundf(t *testing.T) {
	assert.True(t, IsInvalid(Invalidf("bad key %q", "")))
	assert.True(t, IsNotFound(NotFoundf("CI %q", "zeus")))
	assert.False(t, IsNotFound(nil))
}

func TestCodeRoundTrip(t *testing.T) {
	for _, sentinel := range []error{ErrNotFound, ErrInvalidRequest, ErrConflict, ErrTooLarge, ErrUnavailable} {
		wrapped := Wrap(sentinel, "context")
		code := Code(wrapped)
		assert.NotEqual(t, "internal", code, "sentinel %v", sentinel)
		assert.True(t, Is(FromCode(code), sentinel))
	}

	assert.Equal(t, "internal", Code(fmt.Errorf("plain")))
	assert.Equal(t, "", Code(nil))
	assert.Nil(t, FromCode("bogus"))
}

func TestWithHintSurvivesWrapping(t *testing.T) {
	err := WithHint(ErrUnavailable, "is the registry daemon running?")
	err = Wrap(err, "dial")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "is the registry daemon running?", hints[0])
	assert.True(t, Is(err, ErrUnavailable))
}
