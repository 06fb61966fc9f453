package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Mux returns the peer-facing HTTP surface for this pool node.
func (p *Pool) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /storage/store", p.handleStore)
	mux.HandleFunc("GET /storage/fetch/{id}", p.handleFetch)
	mux.HandleFunc("GET /storage/status", p.handleStatus)
	return mux
}

// handleStore accepts a replica from a peer. The body is raw object content;
// the id is recomputed locally so a corrupt transfer cannot poison the pool.
func (p *Pool) handleStore(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if want := r.URL.Query().Get("id"); want != "" && want != FileID(data) {
		http.Error(w, "content digest mismatch", http.StatusBadRequest)
		return
	}
	id, err := p.acceptReplica(r.Context(), data)
	if errors.Is(err, ErrStorageFull) {
		// 507 tells the sender to try another peer.
		http.Error(w, err.Error(), http.StatusInsufficientStorage)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := p.Register(r.Context()); err != nil {
		p.log.Warn("pool: refresh registration", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (p *Pool) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := os.ReadFile(p.localPath(id))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (p *Pool) handleStatus(w http.ResponseWriter, r *http.Request) {
	used, err := p.Usage()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"node":           p.opts.NodeID,
		"capacity_bytes": p.opts.CapacityBytes,
		"used_bytes":     used,
		"store_breaker":  p.obj.BreakerState(),
	})
}

func (p *Pool) pushToPeer(ctx context.Context, addr, id string, data []byte) error {
	u := fmt.Sprintf("http://%s/storage/store?id=%s", addr, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pool: peer store: status %d", resp.StatusCode)
	}
	return nil
}

func (p *Pool) fetchFromPeer(ctx context.Context, addr, id string) ([]byte, error) {
	u := fmt.Sprintf("http://%s/storage/fetch/%s", addr, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pool: peer fetch: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
