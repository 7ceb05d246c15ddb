package aps

import (
	"testing"

	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/security"
)

func TestOutFrameCounterPersistsAhead(t *testing.T) {
	saves := 0
	s := NewKeyPairSet(4, 10, func() { saves++ })
	_, err := s.Set(0x01, security.Key{0xAA}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, saves)

	var last uint32
	for i := 0; i < 25; i++ {
		c, err := s.GetUpdatedOutFrameCounter(0x01)
		require.NoError(t, err)
		if i > 0 && c <= last {
			t.Fatalf("counter %d not above %d", c, last)
		}
		last = c
	}
	// Bounds were written at 1, 11 and 21.
	require.Equal(t, 4, saves)
	p := s.Find(0x01)
	require.Greater(t, p.OutCounterTop, last)

	_, err = s.GetUpdatedOutFrameCounter(0x02)
	require.ErrorIs(t, err, ErrNoLinkKey)
}

func TestLoadResumesAboveUsedCounters(t *testing.T) {
	s := NewKeyPairSet(4, 16, nil)
	_, err := s.Set(0x01, security.Key{0xAA}, KeyPairPreconfigured)
	require.NoError(t, err)
	var used uint32
	for i := 0; i < 40; i++ {
		used, _ = s.GetUpdatedOutFrameCounter(0x01)
	}
	saved := s.Entries()

	restored := NewKeyPairSet(4, 16, nil)
	restored.Load(saved)
	c, err := restored.GetUpdatedOutFrameCounter(0x01)
	require.NoError(t, err)
	if c <= used {
		t.Fatalf("got counter %d after restart, want above %d", c, used)
	}
	require.Equal(t, KeyPairPreconfigured, restored.Find(0x01).Flags)
}

func TestInCounterRejectsReplay(t *testing.T) {
	s := NewKeyPairSet(4, 16, nil)
	_, err := s.Set(0x01, security.Key{0xAA}, 0)
	require.NoError(t, err)

	require.True(t, s.CheckInCounter(0x01, 0), "first counter is always fresh")
	s.CommitInCounter(0x01, 5)
	require.NotZero(t, s.Find(0x01).Flags&KeyPairVerified)
	require.False(t, s.CheckInCounter(0x01, 5))
	require.False(t, s.CheckInCounter(0x01, 3))
	require.True(t, s.CheckInCounter(0x01, 6))
	require.False(t, s.CheckInCounter(0x02, 1), "unknown device")
}

func TestSetReplacesKeyAndRestartsInCounter(t *testing.T) {
	s := NewKeyPairSet(4, 16, nil)
	_, err := s.Set(0x01, security.Key{0xAA}, KeyPairPreconfigured)
	require.NoError(t, err)
	s.GetUpdatedOutFrameCounter(0x01)
	s.CommitInCounter(0x01, 9)

	p, err := s.Set(0x01, security.Key{0xAA}, 0)
	require.NoError(t, err)
	require.True(t, p.InValid, "same key keeps state")

	p, err = s.Set(0x01, security.Key{0xBB}, 0)
	require.NoError(t, err)
	require.False(t, p.InValid)
	require.Equal(t, security.Key{0xAA}, p.InitialKey)
	c, _ := s.GetUpdatedOutFrameCounter(0x01)
	require.Equal(t, uint32(1), c, "outgoing counter carries over")
}

func TestReinstalledKeyNeverRepeatsOutCounter(t *testing.T) {
	s := NewKeyPairSet(4, 16, nil)
	keyA, keyB := security.Key{0xAA}, security.Key{0xBB}
	used := map[uint32]bool{}
	send := func(n int) {
		for range n {
			c, err := s.GetUpdatedOutFrameCounter(0x01)
			require.NoError(t, err)
			if used[c] {
				t.Fatalf("counter %d used twice for one peer", c)
			}
			used[c] = true
		}
	}

	_, err := s.Set(0x01, keyA, 0)
	require.NoError(t, err)
	send(5)
	_, err = s.Set(0x01, keyB, 0)
	require.NoError(t, err)
	send(3)
	_, err = s.Set(0x01, keyA, 0)
	require.NoError(t, err)
	send(5)
}

func TestKeyPairSetFull(t *testing.T) {
	s := NewKeyPairSet(2, 16, nil)
	_, err := s.Set(0x01, security.Key{1}, 0)
	require.NoError(t, err)
	_, err = s.Set(0x02, security.Key{2}, 0)
	require.NoError(t, err)
	_, err = s.Set(0x03, security.Key{3}, 0)
	require.ErrorIs(t, err, ErrKeyPairSetFull)

	require.True(t, s.Remove(0x01))
	require.False(t, s.Remove(0x01))
	_, err = s.Set(0x03, security.Key{3}, 0)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
}
