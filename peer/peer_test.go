package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotsPerUserTable(t *testing.T) {
	cases := []struct {
		bps  int64
		want int
	}{
		{1_000_000, 2},    // 1Mbps
		{10_000_000, 2},   // 10Mbps boundary
		{10_000_001, 3},   // just above 10Mbps
		{25_000_000, 3},   // 25Mbps boundary
		{50_000_000, 4},   // 50Mbps boundary
		{60_000_000, 5},   // 60Mbps -> 60/10-1=5
		{100_000_000, 9},  // 100Mbps -> 100/10-1=9
		{200_000_000, 15}, // above 100Mbps
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SlotsPerUser(c.bps), "SlotsPerUser(%d)", c.bps)
	}
}

func TestTokenRegistryMintUnique(t *testing.T) {
	tr := NewTokenRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := tr.Mint(KindDownload)
		require.NoError(t, err)
		require.False(t, seen[tok], "Mint produced a duplicate token: %s", tok)
		seen[tok] = true
		kind, ok := tr.Kind(tok)
		require.True(t, ok)
		assert.Equal(t, KindDownload, kind)
	}
}

func TestTokenRegistryExpectConsume(t *testing.T) {
	tr := NewTokenRegistry()
	tok, err := tr.Mint(KindUpload)
	require.NoError(t, err)
	entry := PendingEntry{NickOrCID: "bob", HubURL: "adc://hub", Kind: KindUpload, Role: NatRoleServer}
	tr.Expect(tok, entry)

	got, ok := tr.Consume(tok)
	require.True(t, ok, "expected Consume to find the pending entry")
	assert.Equal(t, "bob", got.NickOrCID)
	assert.Equal(t, "adc://hub", got.HubURL)

	_, ok = tr.Consume(tok)
	assert.False(t, ok, "consuming the same token twice should fail the second time")
	_, ok = tr.Kind(tok)
	assert.False(t, ok, "Consume should remove the token from the kind map too")
}

func TestCQIBackoffDue(t *testing.T) {
	now := time.Now()
	c := &CQI{LastAttempt: now.Add(-30 * time.Second), Errors: 0}
	assert.False(t, c.BackoffDue(now), "should not be due yet: only 30s elapsed against a 60s window")

	c = &CQI{LastAttempt: now.Add(-61 * time.Second), Errors: 0}
	assert.True(t, c.BackoffDue(now), "should be due: 61s elapsed against a 60s window")

	c = &CQI{LastAttempt: now.Add(-90 * time.Second), Errors: 2}
	assert.False(t, c.BackoffDue(now), "2 errors should require 120s, only 90s elapsed")

	c = &CQI{LastAttempt: now.Add(-121 * time.Second), Errors: 2}
	assert.True(t, c.BackoffDue(now), "2 errors and 121s elapsed should be due")

	c = &CQI{LastAttempt: now.Add(-10 * time.Hour), Errors: -1}
	assert.False(t, c.BackoffDue(now), "a hard protocol error (Errors=-1) should never auto-retry")
}

func TestNatRoleString(t *testing.T) {
	cases := map[NatRole]string{
		NatRoleNone:   "none",
		NatRoleServer: "server",
		NatRoleClient: "client",
	}
	for role, want := range cases {
		assert.Equal(t, want, role.String())
	}
}
