package httpdir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/directory/memory"
	"github.com/TheusHen/poqr/poqr/identity"
	"github.com/TheusHen/poqr/poqr/lattice"
	"github.com/TheusHen/poqr/poqr/log"
)

func newDescriptor(t *testing.T) directory.Descriptor {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	pk, _, err := lattice.Scheme().GenerateKeyPair()
	require.NoError(t, err)
	d, err := directory.NewDescriptor(kp, pk, "127.0.0.1:7000", true)
	require.NoError(t, err)
	require.NoError(t, d.Sign(kp))
	return d
}

func newServer(t *testing.T) (*memory.Store, *Client) {
	t.Helper()
	store := memory.New()
	srv := httptest.NewServer(NewServer(store, log.NewDiscard().GetLogger("directory")))
	t.Cleanup(srv.Close)
	return store, NewClient(srv.URL)
}

func TestAnnounceListLookup(t *testing.T) {
	require := require.New(t)
	_, c := newServer(t)

	d1, d2 := newDescriptor(t), newDescriptor(t)
	require.NoError(c.Announce(d1))
	require.NoError(c.Announce(d2))

	list, err := c.List()
	require.NoError(err)
	require.Len(list, 2)

	got, err := c.Lookup(d1.PeerID)
	require.NoError(err)
	require.Equal(d1.Addr, got.Addr)
	require.Equal(d1.KEMPublicKey, got.KEMPublicKey)

	_, err = c.Lookup(newDescriptor(t).PeerID)
	require.ErrorIs(err, directory.ErrNotFound)
}

func TestServerRejectsForgedDescriptor(t *testing.T) {
	require := require.New(t)
	_, c := newServer(t)

	d := newDescriptor(t)
	d.Addr = "10.9.9.9:1"
	require.Error(c.Announce(d))

	list, err := c.List()
	require.NoError(err)
	require.Empty(list)
}

// A misbehaving directory cannot inject descriptors the relay never signed.
func TestClientDropsUnverifiedDescriptors(t *testing.T) {
	require := require.New(t)

	good := newDescriptor(t)
	bad := newDescriptor(t)
	bad.Exit = false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(r.URL.Path, "/relays/") {
			writeJSON(w, bad)
			return
		}
		writeJSON(w, []directory.Descriptor{good, bad})
	}))
	defer srv.Close()
	c := NewClient(srv.URL)

	list, err := c.List()
	require.NoError(err)
	require.Len(list, 1)
	require.Equal(good.PeerID, list[0].PeerID)

	_, err = c.Lookup(bad.PeerID)
	require.ErrorIs(err, directory.ErrBadSignature)
}

func TestMethodNotAllowed(t *testing.T) {
	_, c := newServer(t)
	req, err := http.NewRequest(http.MethodDelete, c.Base+"/relays", nil)
	require.NoError(t, err)
	resp, err := c.HTTP.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
