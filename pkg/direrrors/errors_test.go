package direrrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindClient, KindOf(ErrNoSuchObject))
	assert.Equal(t, KindRetryable, KindOf(ErrDeadlock))
	assert.Equal(t, KindFatal, KindOf(ErrBackendCorrupt))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestKindOfUnwrapsWrapping(t *testing.T) {
	wrapped := fmt.Errorf("add %q: %w", "uid=bob,dc=example", ErrAlreadyExists)
	assert.Equal(t, KindClient, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrAlreadyExists))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrDeadlock))
	assert.True(t, IsRetryable(fmt.Errorf("index update: %w", ErrLockNotGranted)))
	assert.False(t, IsRetryable(ErrNoSuchObject))
}

func TestOtherWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Other("write entry %q", cause, "uid=bob")
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "uid=bob")
}

func TestOtherPanicsOnNilCause(t *testing.T) {
	assert.Panics(t, func() {
		Other("write entry", nil)
	})
}

func TestReferralErrorKindAndIs(t *testing.T) {
	err := &ReferralError{Matched: "dc=example,dc=com", URLs: []string{"ldap://other/dc=example,dc=com"}}
	assert.Equal(t, KindClient, KindOf(err))
	assert.True(t, errors.Is(err, ErrReferral))
	assert.Contains(t, err.Error(), "dc=example,dc=com")
}
