// Package objstore adapts the content-addressed object store (an IPFS
// daemon's HTTP API) for the rest of the engine. All daemon calls go
// through a circuit breaker so a flapping daemon degrades to queued
// promotion retries instead of hard failures.
package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/resilience"
)

const digestIndexKey = "cid_by_digest"

// Client talks to the object store daemon.
type Client struct {
	base    string
	http    *http.Client
	breaker *resilience.Breaker
	st      *coord.Store
}

// New creates a client for the daemon API at base (e.g. http://127.0.0.1:5001).
// st may be nil, which disables digest deduplication.
func New(base string, st *coord.Store) *Client {
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: 60 * time.Second},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		st:      st,
	}
}

// BreakerState reports the daemon circuit state for status endpoints.
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// Digest returns the hex sha256 of data, the pool's content digest.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type addResponse struct {
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Add stores data in the daemon and returns its CID.
func (c *Client) Add(ctx context.Context, data []byte, pin bool) (string, error) {
	var cid string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", "blob")
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
		if err := mw.Close(); err != nil {
			return err
		}

		u := fmt.Sprintf("%s/api/v0/add?pin=%t", c.base, pin)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("objstore: add: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("objstore: add: status %d", resp.StatusCode)
		}
		var ar addResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return fmt.Errorf("objstore: add decode: %w", err)
		}
		cid = ar.Hash
		return nil
	})
	if err != nil {
		return "", err
	}
	return cid, nil
}

// AddOrReuse stores data unless an object with the same sha256 digest was
// stored before, in which case the existing CID is returned. reused reports
// whether the daemon was skipped.
func (c *Client) AddOrReuse(ctx context.Context, data []byte) (cid string, reused bool, err error) {
	digest := Digest(data)
	if c.st != nil {
		existing, err := c.st.HGet(ctx, digestIndexKey, digest)
		if err == nil && existing != "" {
			return existing, true, nil
		}
		if err != nil && !errors.Is(err, coord.ErrNotFound) {
			return "", false, err
		}
	}
	cid, err = c.Add(ctx, data, true)
	if err != nil {
		return "", false, err
	}
	if c.st != nil {
		if err := c.st.HSet(ctx, digestIndexKey, digest, cid); err != nil {
			return "", false, err
		}
	}
	return cid, false, nil
}

// Cat fetches an object by CID.
func (c *Client) Cat(ctx context.Context, cid string) ([]byte, error) {
	var data []byte
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/api/v0/cat?arg=%s", c.base, url.QueryEscape(cid))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("objstore: cat %s: %w", cid, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("objstore: cat %s: status %d", cid, resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Pin pins a CID so garbage collection keeps it.
func (c *Client) Pin(ctx context.Context, cid string) error {
	return c.post(ctx, fmt.Sprintf("/api/v0/pin/add?arg=%s", url.QueryEscape(cid)))
}

// Unpin releases a pin. Housekeeping must never unpin CIDs still referenced
// by the hash database or the current snapshot.
func (c *Client) Unpin(ctx context.Context, cid string) error {
	return c.post(ctx, fmt.Sprintf("/api/v0/pin/rm?arg=%s", url.QueryEscape(cid)))
}

type pinLsResponse struct {
	Keys map[string]struct {
		Type string `json:"Type"`
	} `json:"Keys"`
}

// ListPins returns the recursively pinned CIDs.
func (c *Client) ListPins(ctx context.Context) ([]string, error) {
	var cids []string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		u := c.base + "/api/v0/pin/ls?type=recursive"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("objstore: pin ls: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("objstore: pin ls: status %d", resp.StatusCode)
		}
		var pl pinLsResponse
		if err := json.NewDecoder(resp.Body).Decode(&pl); err != nil {
			return fmt.Errorf("objstore: pin ls decode: %w", err)
		}
		cids = cids[:0]
		for cid := range pl.Keys {
			cids = append(cids, cid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cids, nil
}

type publishResponse struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// Publish points the mutable name owned by key at cid.
func (c *Client) Publish(ctx context.Context, cid, key string) (string, error) {
	var name string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/api/v0/name/publish?arg=%s&key=%s",
			c.base, url.QueryEscape("/ipfs/"+cid), url.QueryEscape(key))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("objstore: publish: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("objstore: publish: status %d", resp.StatusCode)
		}
		var pr publishResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			return fmt.Errorf("objstore: publish decode: %w", err)
		}
		name = pr.Name
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

type resolveResponse struct {
	Path string `json:"Path"`
}

// Resolve returns the CID currently published under name.
func (c *Client) Resolve(ctx context.Context, name string) (string, error) {
	var path string
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/api/v0/name/resolve?arg=%s", c.base, url.QueryEscape(name))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("objstore: resolve %s: %w", name, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("objstore: resolve %s: status %d", name, resp.StatusCode)
		}
		var rr resolveResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return fmt.Errorf("objstore: resolve decode: %w", err)
		}
		path = rr.Path
		return nil
	})
	if err != nil {
		return "", err
	}
	// Path looks like /ipfs/<cid>.
	if len(path) > 6 && path[:6] == "/ipfs/" {
		return path[6:], nil
	}
	return path, nil
}

func (c *Client) post(ctx context.Context, path string) error {
	return c.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("objstore: %s: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("objstore: %s: status %d", path, resp.StatusCode)
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	})
}
