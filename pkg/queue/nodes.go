package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/757built/engine/pkg/coord"
)

const storageNodesKey = "storage_nodes"

// NodeInfo is the registry record for one storage node.
type NodeInfo struct {
	ID            string    `json:"id"`
	Addr          string    `json:"addr"`
	CapacityBytes int64     `json:"capacity_bytes"`
	UsedBytes     int64     `json:"used_bytes"`
	LastSeen      time.Time `json:"last_seen"`
}

// FreeBytes returns the remaining capacity.
func (n NodeInfo) FreeBytes() int64 { return n.CapacityBytes - n.UsedBytes }

// Nodes is the storage node registry, a hash of node id to JSON record.
type Nodes struct {
	st  *coord.Store
	now func() time.Time
}

// NewNodes creates a storage node registry on the given store.
func NewNodes(st *coord.Store) *Nodes {
	return &Nodes{st: st, now: time.Now}
}

// Register records or refreshes a storage node.
func (n *Nodes) Register(ctx context.Context, info NodeInfo) error {
	info.LastSeen = n.now().UTC()
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("queue: marshal node %s: %w", info.ID, err)
	}
	if err := n.st.HSet(ctx, storageNodesKey, info.ID, string(b)); err != nil {
		return fmt.Errorf("queue: register node %s: %w", info.ID, err)
	}
	return nil
}

// Deregister removes a storage node.
func (n *Nodes) Deregister(ctx context.Context, id string) error {
	return n.st.HDel(ctx, storageNodesKey, id)
}

// List returns every registered storage node.
func (n *Nodes) List(ctx context.Context) ([]NodeInfo, error) {
	h, err := n.st.HGetAll(ctx, storageNodesKey)
	if err != nil {
		return nil, fmt.Errorf("queue: list nodes: %w", err)
	}
	out := make([]NodeInfo, 0, len(h))
	for id, raw := range h {
		var info NodeInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, fmt.Errorf("queue: decode node %s: %w", id, err)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SelectPeers returns up to count replication targets excluding self,
// largest free space first, ties broken by node id.
func (n *Nodes) SelectPeers(ctx context.Context, self string, count int) ([]NodeInfo, error) {
	nodes, err := n.List(ctx)
	if err != nil {
		return nil, err
	}
	peers := nodes[:0]
	for _, info := range nodes {
		if info.ID != self {
			peers = append(peers, info)
		}
	}
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].FreeBytes() != peers[j].FreeBytes() {
			return peers[i].FreeBytes() > peers[j].FreeBytes()
		}
		return peers[i].ID < peers[j].ID
	})
	if count < len(peers) {
		peers = peers[:count]
	}
	return peers, nil
}
