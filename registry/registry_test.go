package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/identity"
	"github.com/direct-connect/dcpp-engine/share"
)

// searchingHub implements both HubSession and Searcher.
type searchingHub struct {
	url     string
	calls   []share.SearchCriteria
	failure error
}

func (h *searchingHub) URL() string { return h.url }
func (h *searchingHub) Connect(ou *identity.OnlineUser, token string, kind int) (ConnectResult, error) {
	return ConnectSuccess, nil
}
func (h *searchingHub) PrivateMessage(ou *identity.OnlineUser, text string, thirdPerson bool) error {
	return nil
}
func (h *searchingHub) Shutdown() {}
func (h *searchingHub) Search(crit share.SearchCriteria) error {
	h.calls = append(h.calls, crit)
	return h.failure
}

// plainHub implements only HubSession, no Searcher.
type plainHub struct{ url string }

func (h *plainHub) URL() string { return h.url }
func (h *plainHub) Connect(ou *identity.OnlineUser, token string, kind int) (ConnectResult, error) {
	return ConnectSuccess, nil
}
func (h *plainHub) PrivateMessage(ou *identity.OnlineUser, text string, thirdPerson bool) error {
	return nil
}
func (h *plainHub) Shutdown() {}

func newTestRegistry(t *testing.T) *Registry {
	r := New()
	t.Cleanup(r.Close)
	return r
}

func TestRegistrySearchFansOutToSearchersOnly(t *testing.T) {
	r := newTestRegistry(t)

	a := &searchingHub{url: "adc://hub-a"}
	b := &searchingHub{url: "adc://hub-b"}
	p := &plainHub{url: "nmdc://hub-c"}

	r.CreateClient(a.url, a)
	r.CreateClient(b.url, b)
	r.CreateClient(p.url, p)

	crit := share.SearchCriteria{And: []string{"linux", "iso"}}
	errs := r.Search(crit)
	require.Empty(t, errs)

	require.Len(t, a.calls, 1)
	require.Len(t, b.calls, 1)
	assert.Equal(t, "linux", a.calls[0].And[0], "criteria not forwarded correctly")
}

func TestRegistrySearchCollectsErrorsWithoutStopping(t *testing.T) {
	r := newTestRegistry(t)

	failing := &searchingHub{url: "adc://hub-fail", failure: errors.New("boom")}
	ok := &searchingHub{url: "adc://hub-ok"}
	r.CreateClient(failing.url, failing)
	r.CreateClient(ok.url, ok)

	errs := r.Search(share.SearchCriteria{TTH: "ABCDEF"})
	require.Len(t, errs, 1)
	assert.Len(t, ok.calls, 1, "a failing searcher should not prevent other searchers from being called")
}

func TestRegistryCreateClientRejectsDuplicateURL(t *testing.T) {
	r := newTestRegistry(t)
	a := &searchingHub{url: "adc://hub"}
	b := &searchingHub{url: "adc://hub"}

	got, ok := r.CreateClient(a.url, a)
	require.True(t, ok, "first CreateClient should succeed")
	require.Equal(t, a, got)

	got, ok = r.CreateClient(b.url, b)
	assert.False(t, ok, "duplicate URL should be rejected")
	assert.Equal(t, a, got, "duplicate CreateClient should return the existing session")
}

func TestRegistryInternUserReusesExistingEntry(t *testing.T) {
	r := newTestRegistry(t)
	var cid adc.CID
	for i := range cid {
		cid[i] = byte(i)
	}
	u1 := r.InternUser(cid)
	u2 := r.InternUser(cid)
	assert.True(t, u1 == u2, "InternUser should return the same *User for the same CID")
}

func TestRegistrySetClientURLRecordsRedirect(t *testing.T) {
	r := newTestRegistry(t)
	h := &searchingHub{url: "adc://old"}
	r.CreateClient(h.url, h)

	require.NoError(t, r.SetClientURL("adc://old", "adc://new"))

	_, ok := r.Client("adc://old")
	assert.False(t, ok, "old URL should no longer resolve")

	got, ok := r.Client("adc://new")
	require.True(t, ok)
	assert.True(t, h == got, "new URL should resolve to the same session")

	rd, ok := r.RedirectFor("adc://old")
	require.True(t, ok, "expected a redirect record pointing to the new URL")
	assert.Equal(t, "adc://new", rd.NewURL)
}
