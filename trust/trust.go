// Package trust holds the static registry of federated peer nodes and their
// preshared keys. Membership is fixed at startup: the store is the single gate
// for accepting inbound sync traffic, and nothing may be added to it at
// runtime.
package trust

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownKey is returned when a key id has no configured secret.
	ErrUnknownKey = errors.New("unknown key id")
)

// PeerNode describes one federated bank node.
type PeerNode struct {
	ID       string
	Name     string
	Endpoint string
	KeyID    string
}

// Store is an immutable peer and key registry.
type Store struct {
	self      string
	selfKeyID string
	peers     map[string]PeerNode
	order     []string
	keys      map[string][]byte
}

// NewStore validates and freezes the peer table. Every peer must reference a
// configured key, and the local node id never appears as a peer.
func NewStore(selfID, selfKeyID string, peers []PeerNode, keys map[string]string) (*Store, error) {
	selfID = strings.TrimSpace(selfID)
	if selfID == "" {
		return nil, errors.New("node id is required")
	}
	s := &Store{
		self:      selfID,
		selfKeyID: strings.TrimSpace(selfKeyID),
		peers:     make(map[string]PeerNode, len(peers)),
		keys:      make(map[string][]byte, len(keys)),
	}
	for id, secret := range keys {
		id = strings.TrimSpace(id)
		secret = strings.TrimSpace(secret)
		if id == "" || secret == "" {
			return nil, errors.New("preshared key entries must include id and secret")
		}
		s.keys[id] = []byte(secret)
	}
	for _, peer := range peers {
		peer.ID = strings.TrimSpace(peer.ID)
		if peer.ID == "" || peer.ID == selfID {
			continue
		}
		if strings.TrimSpace(peer.Endpoint) == "" {
			return nil, fmt.Errorf("peer %s: endpoint is required", peer.ID)
		}
		if _, ok := s.keys[peer.KeyID]; !ok {
			return nil, fmt.Errorf("peer %s: no preshared key %q", peer.ID, peer.KeyID)
		}
		if _, dup := s.peers[peer.ID]; dup {
			return nil, fmt.Errorf("duplicate peer %s", peer.ID)
		}
		s.peers[peer.ID] = peer
		s.order = append(s.order, peer.ID)
	}
	sort.Strings(s.order)
	if _, ok := s.keys[s.selfKeyID]; !ok {
		return nil, fmt.Errorf("no preshared key %q for local node", s.selfKeyID)
	}
	return s, nil
}

// SelfID returns the local node id.
func (s *Store) SelfID() string { return s.self }

// SelfKeyID returns the node's own preshared key id, used to seal local data
// such as account profiles.
func (s *Store) SelfKeyID() string { return s.selfKeyID }

// Peer looks up a trusted peer by node id.
func (s *Store) Peer(id string) (PeerNode, bool) {
	peer, ok := s.peers[id]
	return peer, ok
}

// Trusted reports whether the node id belongs to the federation.
func (s *Store) Trusted(id string) bool {
	_, ok := s.peers[id]
	return ok
}

// Peers returns all trusted peers in stable order.
func (s *Store) Peers() []PeerNode {
	out := make([]PeerNode, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.peers[id])
	}
	return out
}

// Key resolves a preshared secret by key id, satisfying crypto.KeyResolver.
func (s *Store) Key(keyID string) ([]byte, error) {
	secret, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return secret, nil
}
