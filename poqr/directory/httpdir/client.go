package httpdir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/TheusHen/poqr/poqr/directory"
	"github.com/TheusHen/poqr/poqr/identity"
)

// Client talks to a directory Server.
type Client struct {
	Base string
	HTTP *http.Client
}

func NewClient(base string) *Client {
	return &Client{Base: base, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Announce(d directory.Descriptor) error {
	return c.post("/relays", d, nil)
}

func (c *Client) Lookup(peerID identity.PeerID) (directory.Descriptor, error) {
	var d directory.Descriptor
	if err := c.getJSON("/relays/"+peerID.String(), &d); err != nil {
		return directory.Descriptor{}, err
	}
	if d.PeerID != peerID {
		return directory.Descriptor{}, directory.ErrPeerIDMismatch
	}
	if err := d.VerifyAt(time.Now()); err != nil {
		return directory.Descriptor{}, err
	}
	return d, nil
}

// List fetches every descriptor and drops the ones that do not verify;
// the server is not trusted to have checked them.
func (c *Client) List() ([]directory.Descriptor, error) {
	var all []directory.Descriptor
	if err := c.getJSON("/relays", &all); err != nil {
		return nil, err
	}
	now := time.Now()
	out := all[:0]
	for _, d := range all {
		if d.VerifyAt(now) == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *Client) post(path string, in any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("directory post %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return directory.ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("directory get %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ directory.Resolver = (*Client)(nil)
