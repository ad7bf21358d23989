package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindClass(t *testing.T) {
	cases := map[ErrorKind]ErrorClass{
		ErrSourceUnavailable: ClassTransient,
		ErrNetwork:           ClassTransient,
		ErrRateLimited:       ClassTransient,
		ErrTransformTimeout:  ClassTransient,
		ErrMediaTooLarge:     ClassPermanent,
		ErrDurationExceeded:  ClassPermanent,
		ErrAuth:              ClassPermanent,
		ErrProviderRejected:  ClassPermanent,
		ErrUnsupportedFormat: ClassPermanent,
		ErrIntegrity:         ClassIntegrity,
		ErrorKind("Bogus"):   ClassTransient,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Class(), "kind %s", kind)
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := StageErrorf(ErrRateLimited, "slow down")
	wrapped := fmt.Errorf("publish: %w", base)

	assert.Equal(t, ErrRateLimited, KindOf(wrapped))
	assert.Equal(t, ErrInternal, KindOf(errors.New("boom")))
	assert.Contains(t, wrapped.Error(), "RateLimited: slow down")
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateDelivered.Terminal())
	assert.True(t, StateFailedPermanent.Terminal())
	for _, s := range []EventState{StateReceived, StateAcquiring, StateTransforming, StatePublishing} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestNewIDPrefixAndOrder(t *testing.T) {
	a := NewID("evt")
	b := NewID("evt")
	assert.Regexp(t, `^evt_[0-9A-Z]{26}$`, a)
	assert.Less(t, a, b)
}
