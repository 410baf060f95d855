// Package directory maintains the locally known peer set from directory
// server snapshots and deltas, and answers peer lookups for the router.
package directory

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// PeerInfo identifies a reachable remote node. Values are immutable; updates
// replace the entry wholesale.
type PeerInfo struct {
	UserID int64  `json:"userId"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

// SyncResult reports the effect of one directory update on the local view.
type SyncResult struct {
	Added   []PeerInfo
	Updated []PeerInfo
	Removed []PeerInfo
}

// Empty reports whether the update changed nothing.
func (r SyncResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

const (
	eventAddPeer    = "addNewPeer"
	eventRemovePeer = "removePeer"
)

type directoryEvent struct {
	Event string    `json:"event"`
	Peer  *PeerInfo `json:"peer"`
	Error string    `json:"error"`
}

// Directory is the authoritative local view of currently reachable peers,
// plus per-user friend subscriptions used to scope presence queries.
type Directory struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	peers map[int64]PeerInfo

	subMu sync.RWMutex
	subs  map[int64]map[int64]bool
}

// New creates an empty directory.
func New(logger *logrus.Logger) *Directory {
	if logger == nil {
		logger = logrus.New()
	}
	return &Directory{
		logger: logger,
		peers:  make(map[int64]PeerInfo),
		subs:   make(map[int64]map[int64]bool),
	}
}

// ProcessDirectoryMessage applies one raw directory-server payload: either a
// full snapshot (JSON array of peers) or a single add/remove delta. The local
// user's own entry is ignored. Malformed payloads return an empty result;
// presence processing must never crash the reader loop feeding it.
func (d *Directory) ProcessDirectoryMessage(payload []byte, localUserID int64) SyncResult {
	var snapshot []PeerInfo
	if err := json.Unmarshal(payload, &snapshot); err == nil {
		return d.applySnapshot(snapshot, localUserID)
	}

	var event directoryEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		d.logger.WithField("payload", string(payload)).Warn("directory: dropping malformed update")
		return SyncResult{}
	}
	if event.Error != "" {
		d.logger.WithField("error", event.Error).Warn("directory: server reported error")
		return SyncResult{}
	}
	if event.Peer == nil {
		return SyncResult{}
	}
	peer := *event.Peer
	if peer.UserID == localUserID {
		return SyncResult{}
	}

	switch event.Event {
	case eventAddPeer:
		if added := d.AddPeer(peer); added {
			return SyncResult{Added: []PeerInfo{peer}}
		}
		return SyncResult{Updated: []PeerInfo{peer}}
	case eventRemovePeer:
		if d.RemovePeer(peer.UserID) {
			return SyncResult{Removed: []PeerInfo{peer}}
		}
		return SyncResult{}
	default:
		d.logger.WithField("event", event.Event).Warn("directory: unknown event")
		return SyncResult{}
	}
}

// applySnapshot three-way diffs the snapshot against the current map and
// replaces the internal state with the snapshot content.
func (d *Directory) applySnapshot(snapshot []PeerInfo, localUserID int64) SyncResult {
	next := make(map[int64]PeerInfo, len(snapshot))
	for _, peer := range snapshot {
		if peer.UserID == 0 || peer.UserID == localUserID {
			continue
		}
		next[peer.UserID] = peer
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var result SyncResult
	for id, peer := range next {
		prior, existed := d.peers[id]
		switch {
		case !existed:
			result.Added = append(result.Added, peer)
		case prior != peer:
			result.Updated = append(result.Updated, peer)
		}
	}
	for id, peer := range d.peers {
		if _, kept := next[id]; !kept {
			result.Removed = append(result.Removed, peer)
		}
	}

	d.peers = next
	return result
}

// AddPeer inserts or replaces one peer entry. It reports true when the entry
// is new and false when an existing entry was overwritten.
func (d *Directory) AddPeer(peer PeerInfo) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, existed := d.peers[peer.UserID]
	d.peers[peer.UserID] = peer
	return !existed
}

// RemovePeer drops one peer entry, reporting whether it was present.
func (d *Directory) RemovePeer(userID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, existed := d.peers[userID]
	delete(d.peers, userID)
	return existed
}

// Lookup returns the peer entry for userID, if known.
func (d *Directory) Lookup(userID int64) (PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.peers[userID]
	return peer, ok
}

// Online reports whether userID currently appears in the peer set.
func (d *Directory) Online(userID int64) bool {
	_, ok := d.Lookup(userID)
	return ok
}

// Peers returns a snapshot of all known peers.
func (d *Directory) Peers() []PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerInfo, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, peer)
	}
	return out
}

// SetSubscriptions records which peers a local user cares about. A nil or
// empty friend list clears the subscription, restoring unfiltered results.
func (d *Directory) SetSubscriptions(userID int64, friendIDs []int64) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if len(friendIDs) == 0 {
		delete(d.subs, userID)
		return
	}
	set := make(map[int64]bool, len(friendIDs))
	for _, id := range friendIDs {
		set[id] = true
	}
	d.subs[userID] = set
}

// OnlinePeersFor returns the intersection of the active peer set with the
// user's friend subscription, or the full peer set if none was ever set.
func (d *Directory) OnlinePeersFor(userID int64) []PeerInfo {
	d.subMu.RLock()
	set, scoped := d.subs[userID]
	d.subMu.RUnlock()

	peers := d.Peers()
	if !scoped {
		return peers
	}
	out := peers[:0]
	for _, peer := range peers {
		if set[peer.UserID] {
			out = append(out, peer)
		}
	}
	return out
}
