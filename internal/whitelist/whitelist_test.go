package whitelist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagIsDeterministicPerSecretAndSecond(t *testing.T) {
	a := tag([]byte("secret"), 1000)
	b := tag([]byte("secret"), 1000)
	c := tag([]byte("secret"), 1001)
	d := tag([]byte("other"), 1000)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestVerifyAcceptsAnyOfTheLastWindowSeconds(t *testing.T) {
	secret := []byte("shared-secret")
	s := &Server{secret: secret}

	now := time.Now().Unix()
	older := tag(secret, now-30)

	ok, ts := s.verify(older[:])
	require.True(t, ok)
	assert.Equal(t, now-30, ts)
}

func TestVerifyRejectsTagOutsideWindow(t *testing.T) {
	secret := []byte("shared-secret")
	s := &Server{secret: secret}

	now := time.Now().Unix()
	stale := tag(secret, now-WindowSeconds-5)

	ok, _ := s.verify(stale[:])
	assert.False(t, ok)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s := &Server{secret: []byte("shared-secret")}

	foreign := tag([]byte("wrong-secret"), time.Now().Unix())
	ok, _ := s.verify(foreign[:])
	assert.False(t, ok)
}

func TestAdvanceWatermarkRequiresStrictIncrease(t *testing.T) {
	s := &Server{}

	assert.True(t, s.advanceWatermark(100))
	assert.False(t, s.advanceWatermark(100), "replay of the same timestamp must be rejected")
	assert.False(t, s.advanceWatermark(99), "an older timestamp must be rejected even from a different source")
	assert.True(t, s.advanceWatermark(101))
}
