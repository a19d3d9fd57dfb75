// Package matcher correlates inbound messages with exchanges and detects
// duplicates.
//
// Inbound confirmable and non-confirmable messages are remembered by
// (peer, MID) for the exchange lifetime; a second arrival is flagged as a
// duplicate and mapped to the exchange of the first. Outbound messages are
// indexed by (peer, MID) so an ACK or RST finds its exchange, and requests
// by (peer, token) so responses do.
package matcher

import (
	"errors"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pion/logging"
)

// DefaultMaxEntries bounds the deduplication cache.
const DefaultMaxEntries = 16384

// ErrNoExchange is returned for an ACK, RST or response that matches no
// known exchange.
var ErrNoExchange = errors.New("matcher: no matching exchange")

// Config configures a Matcher.
type Config struct {
	// ExchangeLifetime is how long an inbound MID is remembered.
	// Default: exchange.DefaultExchangeLifetime
	ExchangeLifetime time.Duration

	// MaxEntries bounds the deduplication cache.
	// Default: DefaultMaxEntries
	MaxEntries int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type midKey struct {
	peer transport.PeerKey
	mid  uint16
}

type tokenKey struct {
	peer  transport.PeerKey
	token string
}

// exchangeKeys are the outbound index entries owned by one exchange.
type exchangeKeys struct {
	mids   map[midKey]struct{}
	tokens []tokenKey
}

// Matcher is safe for concurrent use.
type Matcher struct {
	dedup *expirable.LRU[midKey, *exchange.Exchange]
	log   logging.LeveledLogger

	mu      sync.Mutex
	byMID   map[midKey]*exchange.Exchange
	byToken map[tokenKey]*exchange.Exchange
	owned   map[*exchange.Exchange]*exchangeKeys
}

// New creates a matcher.
func New(config Config) *Matcher {
	if config.ExchangeLifetime <= 0 {
		config.ExchangeLifetime = exchange.DefaultExchangeLifetime
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}

	m := &Matcher{
		dedup:   expirable.NewLRU[midKey, *exchange.Exchange](config.MaxEntries, nil, config.ExchangeLifetime),
		byMID:   make(map[midKey]*exchange.Exchange),
		byToken: make(map[tokenKey]*exchange.Exchange),
		owned:   make(map[*exchange.Exchange]*exchangeKeys),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("coap-matcher")
	}
	return m
}

// OutboundRequest indexes a request about to be sent so that its ACK, RST
// and response can be matched.
func (m *Matcher) OutboundRequest(ex *exchange.Exchange, req *message.Request) {
	peer := transport.KeyOf(req.Destination)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexMID(ex, midKey{peer, req.MID})
	tk := tokenKey{peer, string(req.Token)}
	if m.byToken[tk] != ex {
		m.byToken[tk] = ex
		m.keysOf(ex).tokens = append(m.keysOf(ex).tokens, tk)
	}
}

// OutboundResponse indexes a separate response so that its ACK or RST can
// be matched. Piggybacked responses need no index, and a NON response only
// when it is a notification the observer may reset.
func (m *Matcher) OutboundResponse(ex *exchange.Exchange, resp *message.Response) {
	switch resp.Type {
	case message.Confirmable:
	case message.NonConfirmable:
		if !resp.IsNotification() {
			return
		}
	default:
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexMID(ex, midKey{transport.KeyOf(resp.Destination), resp.MID})
}

func (m *Matcher) indexMID(ex *exchange.Exchange, k midKey) {
	m.byMID[k] = ex
	m.keysOf(ex).mids[k] = struct{}{}
}

func (m *Matcher) keysOf(ex *exchange.Exchange) *exchangeKeys {
	keys, ok := m.owned[ex]
	if !ok {
		keys = &exchangeKeys{mids: make(map[midKey]struct{})}
		m.owned[ex] = keys
	}
	return keys
}

// InboundRequest returns the exchange for a received request. A request
// seen before within the exchange lifetime is flagged as a duplicate and
// mapped to the original exchange; otherwise a new remote exchange is
// created.
func (m *Matcher) InboundRequest(req *message.Request) *exchange.Exchange {
	k := midKey{transport.KeyOf(req.Source), req.MID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.dedup.Get(k); ok {
		req.SetDuplicate(true)
		if m.log != nil {
			m.log.Debugf("duplicate %s from %v", req, req.Source)
		}
		return prev
	}

	ex := exchange.New(exchange.OriginRemote, req.Source)
	ex.SetCurrentRequest(req)
	m.dedup.Add(k, ex)
	return ex
}

// InboundResponse returns the exchange of the request a received response
// answers, by token. Separate responses are also deduplicated by MID.
func (m *Matcher) InboundResponse(resp *message.Response) (*exchange.Exchange, error) {
	peer := transport.KeyOf(resp.Source)
	k := midKey{peer, resp.MID}
	separate := resp.Type == message.Confirmable || resp.Type == message.NonConfirmable

	m.mu.Lock()
	defer m.mu.Unlock()

	if separate {
		if prev, ok := m.dedup.Get(k); ok {
			resp.SetDuplicate(true)
			resp.SetRequest(prev.CurrentRequest())
			return prev, nil
		}
	}

	ex, ok := m.byToken[tokenKey{peer, string(resp.Token)}]
	if !ok {
		return nil, ErrNoExchange
	}
	resp.SetRequest(ex.CurrentRequest())

	if separate {
		m.dedup.Add(k, ex)
	}
	return ex, nil
}

// InboundEmpty returns the exchange an ACK or RST refers to and removes
// the index entry it consumed.
func (m *Matcher) InboundEmpty(msg *message.EmptyMessage) (*exchange.Exchange, error) {
	k := midKey{transport.KeyOf(msg.Source), msg.MID}

	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.byMID[k]
	if !ok {
		return nil, ErrNoExchange
	}
	delete(m.byMID, k)
	if keys, ok := m.owned[ex]; ok {
		delete(keys.mids, k)
	}
	return ex, nil
}

// Complete removes every outbound index entry of ex. Deduplication entries
// stay until they expire.
func (m *Matcher) Complete(ex *exchange.Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.owned[ex]
	if !ok {
		return
	}
	delete(m.owned, ex)
	for k := range keys.mids {
		if m.byMID[k] == ex {
			delete(m.byMID, k)
		}
	}
	for _, k := range keys.tokens {
		if m.byToken[k] == ex {
			delete(m.byToken, k)
		}
	}
}

// Pending returns the number of exchanges with outbound index entries.
func (m *Matcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owned)
}

// Remembered returns the number of inbound MIDs held for deduplication.
func (m *Matcher) Remembered() int {
	return m.dedup.Len()
}
