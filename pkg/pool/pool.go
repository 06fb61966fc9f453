// Package pool implements the distributed object pool. Files enter the pool
// on whichever node received them, get replicated to peers, and are promoted
// into the content-addressed store asynchronously. The coordination store
// holds one files:<id> entry per object so any node can locate replicas.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/objstore"
	"github.com/757built/engine/pkg/queue"
)

// Promotion states.
const (
	StatePending = "Pending"
	StateStored  = "Stored"
	StateFailed  = "Failed"
)

const (
	fileKeyPrefix = "files:"
	retryQueueKey = "ipfs_retry_queue"

	maxPromoteAttempts = 5
)

// ErrObjectNotFound is returned when no entry or replica exists for an id.
var ErrObjectNotFound = errors.New("pool: object not found")

// ErrStorageFull is returned when a store would push local usage past the
// node's capacity; the caller picks another node or retries later.
var ErrStorageFull = errors.New("pool: storage full")

// FileEntry is the coordination record for one pooled file.
type FileEntry struct {
	ID              string            `json:"id"`
	Size            int64             `json:"size"`
	Replicas        []string          `json:"replicas"`
	State           string            `json:"state"`
	CID             string            `json:"cid,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	PromoteAttempts int               `json:"promote_attempts,omitempty"`
}

// Opts configures a pool node.
type Opts struct {
	NodeID        string
	Addr          string // advertised peer address, host:port
	Dir           string // local object directory
	CapacityBytes int64
	Replication   int // total replicas wanted, including the local copy
}

// Pool is one node's view of the distributed object pool.
type Pool struct {
	st    *coord.Store
	nodes *queue.Nodes
	obj   *objstore.Client
	opts  Opts
	log   *slog.Logger
	http  *http.Client
	now   func() time.Time
}

// New creates a pool node. The object directory is created if missing.
func New(st *coord.Store, nodes *queue.Nodes, obj *objstore.Client, opts Opts, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Replication < 1 {
		opts.Replication = 1
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("pool: create dir: %w", err)
	}
	return &Pool{
		st:    st,
		nodes: nodes,
		obj:   obj,
		opts:  opts,
		log:   log,
		http:  &http.Client{Timeout: 30 * time.Second},
		now:   time.Now,
	}, nil
}

// FileID returns the pool id for content, file_<sha256>.
func FileID(data []byte) string { return "file_" + objstore.Digest(data) }

func fileKey(id string) string { return fileKeyPrefix + id }

// Register announces this node in the storage registry with current usage.
func (p *Pool) Register(ctx context.Context) error {
	used, err := p.Usage()
	if err != nil {
		return err
	}
	return p.nodes.Register(ctx, queue.NodeInfo{
		ID:            p.opts.NodeID,
		Addr:          p.opts.Addr,
		CapacityBytes: p.opts.CapacityBytes,
		UsedBytes:     used,
	})
}

// Usage returns the bytes held in the local object directory.
func (p *Pool) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(p.opts.Dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pool: usage: %w", err)
	}
	return total, nil
}

// Store copies a source file into the pool, records its entry, replicates to
// peers when asked, and attempts promotion. Storing content this node already
// replicates is a no-op returning the existing entry. Replication failures
// are non-fatal; a failed promotion queues a retry instead of failing.
func (p *Pool) Store(ctx context.Context, sourcePath string, metadata map[string]string, replicate bool) (FileEntry, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return FileEntry{}, fmt.Errorf("pool: read source: %w", err)
	}
	return p.StoreBytes(ctx, data, metadata, replicate)
}

// StoreBytes is Store for in-memory content.
func (p *Pool) StoreBytes(ctx context.Context, data []byte, metadata map[string]string, replicate bool) (FileEntry, error) {
	id := FileID(data)

	entry, err := p.Get(ctx, id)
	switch {
	case err == nil:
		if slices.Contains(entry.Replicas, p.opts.NodeID) {
			return entry, nil
		}
	case errors.Is(err, ErrObjectNotFound):
		entry = FileEntry{
			ID:        id,
			Size:      int64(len(data)),
			State:     StatePending,
			CreatedAt: p.now().UTC(),
			Metadata:  metadata,
		}
	default:
		return FileEntry{}, err
	}

	if err := p.checkCapacity(int64(len(data))); err != nil {
		return FileEntry{}, err
	}
	if err := os.WriteFile(p.localPath(id), data, 0o644); err != nil {
		return FileEntry{}, fmt.Errorf("pool: write local: %w", err)
	}
	entry.Replicas = appendReplica(entry.Replicas, p.opts.NodeID)
	if err := p.put(ctx, entry); err != nil {
		return FileEntry{}, err
	}
	if err := p.Register(ctx); err != nil {
		p.log.Warn("pool: refresh registration", "error", err)
	}

	if replicate {
		entry = p.replicate(ctx, entry, data)
	}

	if entry.State != StateStored {
		promoted, err := p.promote(ctx, &entry, data)
		if err != nil {
			return FileEntry{}, err
		}
		if !promoted {
			if err := p.st.LPush(ctx, retryQueueKey, id); err != nil {
				return FileEntry{}, fmt.Errorf("pool: queue retry: %w", err)
			}
		}
	}
	return entry, nil
}

// replicate pushes data to up to replication-1 peers, largest free space
// first. Each successful peer joins the replica list. Best effort.
func (p *Pool) replicate(ctx context.Context, entry FileEntry, data []byte) FileEntry {
	want := p.opts.Replication - 1
	if want <= 0 {
		return entry
	}
	peers, err := p.nodes.SelectPeers(ctx, p.opts.NodeID, want)
	if err != nil {
		p.log.Warn("pool: select peers", "error", err)
		return entry
	}
	for _, peer := range peers {
		if slices.Contains(entry.Replicas, peer.ID) {
			continue
		}
		if err := p.pushToPeer(ctx, peer.Addr, entry.ID, data); err != nil {
			p.log.Warn("pool: replicate", "peer", peer.ID, "file", entry.ID, "error", err)
			continue
		}
		entry.Replicas = appendReplica(entry.Replicas, peer.ID)
		p.log.Debug("pool: replicated", "peer", peer.ID, "file", entry.ID)
	}
	if err := p.put(ctx, entry); err != nil {
		p.log.Warn("pool: update replicas", "file", entry.ID, "error", err)
	}
	return entry
}

// promote moves a file into the content-addressed store. Returns false
// without error when the daemon is unavailable and a retry should be queued.
func (p *Pool) promote(ctx context.Context, entry *FileEntry, data []byte) (bool, error) {
	cid, reused, err := p.obj.AddOrReuse(ctx, data)
	if err != nil {
		p.log.Warn("pool: promote failed", "file", entry.ID, "error", err)
		return false, nil
	}
	entry.CID = cid
	entry.State = StateStored
	if err := p.put(ctx, *entry); err != nil {
		return false, err
	}
	p.log.Info("pool: promoted", "file", entry.ID, "cid", cid, "reused", reused)
	return true, nil
}

// Get loads a file entry.
func (p *Pool) Get(ctx context.Context, id string) (FileEntry, error) {
	raw, err := p.st.Get(ctx, fileKey(id))
	if errors.Is(err, coord.ErrNotFound) {
		return FileEntry{}, ErrObjectNotFound
	}
	if err != nil {
		return FileEntry{}, err
	}
	var entry FileEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return FileEntry{}, fmt.Errorf("pool: decode %s: %w", id, err)
	}
	return entry, nil
}

// List returns every file entry in the pool.
func (p *Pool) List(ctx context.Context) ([]FileEntry, error) {
	keys, err := p.st.ScanKeys(ctx, fileKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(keys))
	for _, key := range keys {
		raw, err := p.st.Get(ctx, key)
		if errors.Is(err, coord.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry FileEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("pool: decode %s: %w", key, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Fetch returns a local path for the file, pulling a replica from a peer or
// the content-addressed store when this node holds no copy. A successful pull
// adds this node to the replica list.
func (p *Pool) Fetch(ctx context.Context, id string) (string, error) {
	path := p.localPath(id)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	entry, err := p.Get(ctx, id)
	if err != nil {
		return "", err
	}

	data, err := p.fetchRemote(ctx, entry)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("pool: write fetched: %w", err)
	}
	entry.Replicas = appendReplica(entry.Replicas, p.opts.NodeID)
	if err := p.put(ctx, entry); err != nil {
		return "", err
	}
	return path, nil
}

func (p *Pool) fetchRemote(ctx context.Context, entry FileEntry) ([]byte, error) {
	nodes, err := p.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := map[string]queue.NodeInfo{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, replica := range entry.Replicas {
		if replica == p.opts.NodeID {
			continue
		}
		peer, ok := byID[replica]
		if !ok {
			continue
		}
		data, err := p.fetchFromPeer(ctx, peer.Addr, entry.ID)
		if err != nil {
			p.log.Warn("pool: peer fetch", "peer", replica, "file", entry.ID, "error", err)
			continue
		}
		return data, nil
	}
	if entry.CID != "" {
		data, err := p.obj.Cat(ctx, entry.CID)
		if err == nil {
			return data, nil
		}
		p.log.Warn("pool: fetch from store", "file", entry.ID, "error", err)
	}
	return nil, ErrObjectNotFound
}

// RetryPromotions pops up to limit ids from the retry queue and promotes
// them. Failures re-queue at the tail; a file past the attempt cap turns
// Failed. Returns how many promotions succeeded.
func (p *Pool) RetryPromotions(ctx context.Context, limit int) (int, error) {
	n := 0
	for i := 0; limit <= 0 || i < limit; i++ {
		id, ok, err := p.st.RPop(ctx, retryQueueKey)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		entry, err := p.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				continue
			}
			return n, err
		}
		if entry.State == StateStored {
			continue
		}
		path, err := p.Fetch(ctx, id)
		if err != nil {
			p.log.Warn("pool: retry fetch", "file", id, "error", err)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return n, fmt.Errorf("pool: read local: %w", err)
		}
		promoted, err := p.promote(ctx, &entry, data)
		if err != nil {
			return n, err
		}
		if promoted {
			n++
			continue
		}
		entry.PromoteAttempts++
		if entry.PromoteAttempts >= maxPromoteAttempts {
			entry.State = StateFailed
			p.log.Error("pool: promotion abandoned", "file", id, "attempts", entry.PromoteAttempts)
			if err := p.put(ctx, entry); err != nil {
				return n, err
			}
			continue
		}
		if err := p.put(ctx, entry); err != nil {
			return n, err
		}
		if err := p.st.LPush(ctx, retryQueueKey, id); err != nil {
			return n, err
		}
		// One failed attempt per pass is enough; the daemon is likely down.
		return n, nil
	}
	return n, nil
}

// Cleanup deletes this node's local replicas of Stored files older than
// maxAge and removes the node from their replica lists. A copy is only
// deleted while another replica or a CID keeps the content reachable.
func (p *Pool) Cleanup(ctx context.Context, maxAge time.Duration) error {
	entries, err := p.List(ctx)
	if err != nil {
		return err
	}
	now := p.now()
	for _, entry := range entries {
		if entry.State != StateStored {
			continue
		}
		if maxAge > 0 && now.Sub(entry.CreatedAt) < maxAge {
			continue
		}
		if !slices.Contains(entry.Replicas, p.opts.NodeID) {
			continue
		}
		others := len(entry.Replicas) - 1
		if others == 0 && entry.CID == "" {
			continue
		}
		if err := os.Remove(p.localPath(entry.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pool: cleanup %s: %w", entry.ID, err)
		}
		entry.Replicas = slices.DeleteFunc(entry.Replicas, func(id string) bool {
			return id == p.opts.NodeID
		})
		if err := p.put(ctx, entry); err != nil {
			return err
		}
		p.log.Info("pool: dropped local replica", "file", entry.ID, "remaining", len(entry.Replicas))
	}
	return p.Register(ctx)
}

// checkCapacity rejects writes that would exceed the configured capacity.
// Zero capacity means unlimited.
func (p *Pool) checkCapacity(size int64) error {
	if p.opts.CapacityBytes <= 0 {
		return nil
	}
	used, err := p.Usage()
	if err != nil {
		return err
	}
	if used+size > p.opts.CapacityBytes {
		return fmt.Errorf("%w: %d used + %d requested exceeds %d bytes",
			ErrStorageFull, used, size, p.opts.CapacityBytes)
	}
	return nil
}

// acceptReplica records a copy pushed by a peer.
func (p *Pool) acceptReplica(ctx context.Context, data []byte) (string, error) {
	id := FileID(data)
	if err := p.checkCapacity(int64(len(data))); err != nil {
		return "", err
	}
	if err := os.WriteFile(p.localPath(id), data, 0o644); err != nil {
		return "", fmt.Errorf("pool: write replica: %w", err)
	}
	entry, err := p.Get(ctx, id)
	if errors.Is(err, ErrObjectNotFound) {
		// Entry not visible yet; the sender records this replica itself.
		return id, nil
	}
	if err != nil {
		return "", err
	}
	entry.Replicas = appendReplica(entry.Replicas, p.opts.NodeID)
	if err := p.put(ctx, entry); err != nil {
		return "", err
	}
	return id, nil
}

func appendReplica(replicas []string, id string) []string {
	if slices.Contains(replicas, id) {
		return replicas
	}
	return append(replicas, id)
}

func (p *Pool) put(ctx context.Context, entry FileEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pool: marshal %s: %w", entry.ID, err)
	}
	return p.st.Set(ctx, fileKey(entry.ID), string(b))
}

func (p *Pool) localPath(id string) string {
	return filepath.Join(p.opts.Dir, id)
}
