// Package observe keeps the server side observe relations (RFC 7641) of
// an endpoint: which peer observes which resource over which exchange.
//
// The reliability layer does not know about relations. When a confirmable
// notification exhausts its retry budget it reports the peer, and
// CancelAll removes every relation of that peer.
package observe

import (
	"net"
	"sync"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// Relation is one observe registration.
type Relation struct {
	// Peer is the observer.
	Peer net.Addr
	// Token is the token of the registering request; notifications echo it.
	Token []byte
	// Resource is the observed path.
	Resource string
	// Exchange carries the notifications.
	Exchange *exchange.Exchange

	mu       sync.Mutex
	sequence uint32
}

// NextSequence returns the next Observe option value for a notification.
// Values wrap at 24 bits.
func (r *Relation) NextSequence() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence = (r.sequence + 1) & 0xFFFFFF
	return r.sequence
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// OnCancel is called for every relation removed by CancelAll,
	// CancelRelation or Remove. Optional.
	OnCancel func(r *Relation)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Registry holds the relations of an endpoint. It is safe for concurrent use.
type Registry struct {
	onCancel func(*Relation)
	log      logging.LeveledLogger

	mu         sync.Mutex
	byExchange map[*exchange.Exchange]*Relation
	byPeer     map[transport.PeerKey]map[*Relation]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		onCancel:   config.OnCancel,
		byExchange: make(map[*exchange.Exchange]*Relation),
		byPeer:     make(map[transport.PeerKey]map[*Relation]struct{}),
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("coap-observe")
	}
	return r
}

// Add registers a relation. A relation already registered for the same
// exchange is replaced.
func (r *Registry) Add(rel *Relation) {
	r.mu.Lock()
	old := r.byExchange[rel.Exchange]
	if old != nil {
		r.unlink(old)
	}
	r.byExchange[rel.Exchange] = rel
	peer := transport.KeyOf(rel.Peer)
	set, ok := r.byPeer[peer]
	if !ok {
		set = make(map[*Relation]struct{})
		r.byPeer[peer] = set
	}
	set[rel] = struct{}{}
	r.mu.Unlock()

	if r.log != nil {
		r.log.Debugf("%v observes %s", rel.Peer, rel.Resource)
	}
}

// unlink removes rel from the indexes. Caller holds r.mu.
func (r *Registry) unlink(rel *Relation) {
	if r.byExchange[rel.Exchange] == rel {
		delete(r.byExchange, rel.Exchange)
	}
	peer := transport.KeyOf(rel.Peer)
	if set, ok := r.byPeer[peer]; ok {
		delete(set, rel)
		if len(set) == 0 {
			delete(r.byPeer, peer)
		}
	}
}

// Remove removes rel. It reports whether rel was registered.
func (r *Registry) Remove(rel *Relation) bool {
	r.mu.Lock()
	registered := r.byExchange[rel.Exchange] == rel
	if registered {
		r.unlink(rel)
	}
	r.mu.Unlock()

	if registered {
		r.cancelled(rel)
	}
	return registered
}

// CancelRelation removes the relation carried by ex, if any.
func (r *Registry) CancelRelation(ex *exchange.Exchange) bool {
	r.mu.Lock()
	rel, ok := r.byExchange[ex]
	if ok {
		r.unlink(rel)
	}
	r.mu.Unlock()

	if ok {
		r.cancelled(rel)
	}
	return ok
}

// CancelAll removes every relation with peer and returns how many there
// were. It is the hook for a notification that timed out.
func (r *Registry) CancelAll(peer net.Addr) int {
	key := transport.KeyOf(peer)

	r.mu.Lock()
	set := r.byPeer[key]
	rels := make([]*Relation, 0, len(set))
	for rel := range set {
		rels = append(rels, rel)
	}
	for _, rel := range rels {
		r.unlink(rel)
	}
	r.mu.Unlock()

	for _, rel := range rels {
		r.cancelled(rel)
	}
	if r.log != nil && len(rels) > 0 {
		r.log.Infof("cancelled %d relations of unreachable peer %v", len(rels), peer)
	}
	return len(rels)
}

func (r *Registry) cancelled(rel *Relation) {
	rel.Exchange.CancelRetransmission()
	rel.Exchange.Complete()
	if r.onCancel != nil {
		r.onCancel(rel)
	}
}

// Count returns the number of relations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byExchange)
}

// ForPeer returns the relations of peer.
func (r *Registry) ForPeer(peer net.Addr) []*Relation {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byPeer[transport.KeyOf(peer)]
	out := make([]*Relation, 0, len(set))
	for rel := range set {
		out = append(out, rel)
	}
	return out
}

// ForResource returns the relations observing resource.
func (r *Registry) ForResource(resource string) []*Relation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Relation
	for _, rel := range r.byExchange {
		if rel.Resource == resource {
			out = append(out, rel)
		}
	}
	return out
}
