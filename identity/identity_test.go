package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/direct-connect/dcpp-engine/adc"
)

func newOnline(nick string) *OnlineUser {
	u := NewUser(adc.CID{})
	ou := NewOnlineUser(u, adc.SID{}, nil)
	ou.Identity.Set("NI", nick)
	return ou
}

func TestClassifyConnectModeSelf(t *testing.T) {
	self := newOnline("me")
	assert.Equal(t, ModeMe, ClassifyConnectMode(self, self))
}

func TestClassifyConnectModeSameUser(t *testing.T) {
	u := NewUser(adc.CID{})
	a := NewOnlineUser(u, adc.SID{1, 0, 0, 0}, nil)
	b := NewOnlineUser(u, adc.SID{2, 0, 0, 0}, nil)
	assert.Equal(t, ModeMe, ClassifyConnectMode(a, b), "two bindings of the same user")
}

func TestClassifyConnectModeOtherActive(t *testing.T) {
	self := newOnline("self")
	self.Identity.Set("I4", "10.0.0.1")

	other := newOnline("other")
	other.Identity.Set("I4", "10.0.0.2")
	other.Identity.Set("SU", string(adc.FeaTCP4))

	assert.Equal(t, ModeActiveV4, ClassifyConnectMode(self, other), "other advertising TCP4 should classify as active")
}

func TestClassifyConnectModeSelfActiveOtherPassive(t *testing.T) {
	self := newOnline("self")
	self.Identity.Set("I4", "10.0.0.1")
	self.Identity.Set("SU", string(adc.FeaTCP4))

	other := newOnline("other")
	other.Identity.Set("I4", "10.0.0.2")

	assert.Equal(t, ModePassiveV4, ClassifyConnectMode(self, other), "other behind self's active TCP4 should classify as passive")
}

func TestClassifyConnectModeNoConnectIP(t *testing.T) {
	self := newOnline("self")
	other := newOnline("other")
	assert.Equal(t, ModeNoConnectIP, ClassifyConnectMode(self, other), "neither side has an IP")
}

func TestClassifyConnectModeNoConnectPassive(t *testing.T) {
	self := newOnline("self")
	self.Identity.Set("I4", "10.0.0.1")
	other := newOnline("other")
	other.Identity.Set("I4", "10.0.0.2")
	assert.Equal(t, ModeNoConnectPassive, ClassifyConnectMode(self, other), "both have IPs but neither advertises TCP4/6")
}

func TestParseConnectionSpeed(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"123456", 123456},
		{"28.8Kbps", 0}, // non-integer Kbps prefix is not handled, falls back to 0
		{"56Kbps", 56 * 1000 / 8},
		{"10Mbps", 10 * 1000 * 1000 / 8},
		{"LAN(T1)", 10 * 1000 * 1000 / 8},
		{"Satellite", 1024 * 1000 / 8},
		{"nonsense", 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseConnectionSpeed(c.in), "ParseConnectionSpeed(%q)", c.in)
	}
}

func TestUserRefcountAndReclaim(t *testing.T) {
	u := NewUser(adc.CID{})
	require.Equal(t, 1, u.Refcount())
	u.Ref()
	require.Equal(t, 2, u.Refcount())
	u.Unref()
	require.Equal(t, 1, u.Refcount())
	assert.False(t, u.Reclaimable(time.Minute, time.Now()), "should not be reclaimable before the grace window elapses")
}

func TestIdentitySetMirrorsTypedFields(t *testing.T) {
	id := NewIdentity()
	_, changed := id.Set("NI", "bob")
	require.True(t, changed, "expected Set to report a change for a new value")
	assert.Equal(t, "bob", id.Nick)

	_, changed = id.Set("NI", "bob")
	assert.False(t, changed, "Set should report no change for an identical value")

	old, changed := id.Set("SS", "100")
	require.True(t, changed)
	require.Zero(t, old)

	old, changed = id.Set("SS", "150")
	require.True(t, changed)
	require.Equal(t, int64(100), old)
	assert.Equal(t, int64(150), id.BytesShared)
}
