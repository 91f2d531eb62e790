package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tx is a view of the ledger inside one transaction. Records returned by a
// Tx are copies; changes must be written back with the matching Put call.
type Tx interface {
	// Meta returns the singleton game state, zero-valued if never written.
	Meta() (*Meta, error)

	// PutMeta replaces the singleton game state.
	PutMeta(m *Meta) error

	// Round returns the round with the given number.
	Round(number uint64) (*Round, error)

	// PutRound creates or replaces a round record.
	PutRound(r *Round) error

	// Rounds returns every round in ascending number order.
	Rounds() ([]*Round, error)

	// Participant returns the participant record for (round, id).
	Participant(round uint64, id string) (*Participant, error)

	// PutParticipant creates or replaces a participant record.
	PutParticipant(p *Participant) error

	// Participants returns every participant of a round ordered by id.
	Participants(round uint64) ([]*Participant, error)

	// AppendEvent assigns the next sequence number to e and appends it.
	AppendEvent(e *Event) error

	// Events returns up to limit events with Seq > after, in order.
	// A limit of zero or less returns every remaining event.
	Events(after uint64, limit int) ([]*Event, error)

	// UseNonce records a nonce, failing with ErrNonceUsed if already present.
	UseNonce(nonce string) error
}

// Store runs transactions against the ledger.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error,
	// or ctx is done before commit, nothing is written.
	Update(ctx context.Context, fn func(Tx) error) error

	// Close releases the store.
	Close() error
}

type participantKey struct {
	round uint64
	id    string
}

// MemStore is an in-memory Store. Writers are serialized; each Update works
// on an overlay that is swapped in only on commit.
type MemStore struct {
	mu           sync.RWMutex
	meta         *Meta
	rounds       map[uint64]*Round
	participants map[participantKey]*Participant
	events       []*Event
	nonces       map[string]struct{}
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		meta:         &Meta{},
		rounds:       make(map[uint64]*Round),
		participants: make(map[participantKey]*Participant),
		nonces:       make(map[string]struct{}),
	}
}

// View runs fn in a read-only transaction.
func (s *MemStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{store: s})
}

// Update runs fn in a read-write transaction.
func (s *MemStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:        s,
		writable:     true,
		rounds:       make(map[uint64]*Round),
		participants: make(map[participantKey]*Participant),
		nonces:       make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

// memTx reads through its overlay to the committed state.
type memTx struct {
	store    *MemStore
	writable bool

	meta         *Meta
	rounds       map[uint64]*Round
	participants map[participantKey]*Participant
	events       []*Event
	nonces       map[string]struct{}
}

func (tx *memTx) commit() {
	s := tx.store
	if tx.meta != nil {
		s.meta = tx.meta
	}
	for k, r := range tx.rounds {
		s.rounds[k] = r
	}
	for k, p := range tx.participants {
		s.participants[k] = p
	}
	s.events = append(s.events, tx.events...)
	for n := range tx.nonces {
		s.nonces[n] = struct{}{}
	}
}

func (tx *memTx) checkWritable() error {
	if !tx.writable {
		return ErrReadOnly
	}
	return nil
}

func (tx *memTx) Meta() (*Meta, error) {
	if tx.meta != nil {
		return tx.meta.Clone(), nil
	}
	return tx.store.meta.Clone(), nil
}

func (tx *memTx) PutMeta(m *Meta) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: meta", ErrNilParam)
	}
	tx.meta = m.Clone()
	return nil
}

func (tx *memTx) Round(number uint64) (*Round, error) {
	if r, ok := tx.rounds[number]; ok {
		return r.Clone(), nil
	}
	if r, ok := tx.store.rounds[number]; ok {
		return r.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, number)
}

func (tx *memTx) PutRound(r *Round) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("%w: round", ErrNilParam)
	}
	if r.Number == 0 {
		return fmt.Errorf("%w: round number must be positive", ErrInvalidKey)
	}
	tx.rounds[r.Number] = r.Clone()
	return nil
}

func (tx *memTx) Rounds() ([]*Round, error) {
	merged := make(map[uint64]*Round, len(tx.store.rounds)+len(tx.rounds))
	for k, r := range tx.store.rounds {
		merged[k] = r
	}
	for k, r := range tx.rounds {
		merged[k] = r
	}
	result := make([]*Round, 0, len(merged))
	for _, r := range merged {
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result, nil
}

func (tx *memTx) Participant(round uint64, id string) (*Participant, error) {
	key := participantKey{round: round, id: id}
	if p, ok := tx.participants[key]; ok {
		return p.Clone(), nil
	}
	if p, ok := tx.store.participants[key]; ok {
		return p.Clone(), nil
	}
	return nil, fmt.Errorf("%w: round %d id %q", ErrParticipantNotFound, round, id)
}

func (tx *memTx) PutParticipant(p *Participant) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: participant", ErrNilParam)
	}
	if p.Round == 0 || p.ID == "" {
		return fmt.Errorf("%w: participant needs round and id", ErrInvalidKey)
	}
	tx.participants[participantKey{round: p.Round, id: p.ID}] = p.Clone()
	return nil
}

func (tx *memTx) Participants(round uint64) ([]*Participant, error) {
	merged := make(map[string]*Participant)
	for k, p := range tx.store.participants {
		if k.round == round {
			merged[k.id] = p
		}
	}
	for k, p := range tx.participants {
		if k.round == round {
			merged[k.id] = p
		}
	}
	result := make([]*Participant, 0, len(merged))
	for _, p := range merged {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tx *memTx) AppendEvent(e *Event) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: event", ErrNilParam)
	}
	c := *e
	c.Seq = uint64(len(tx.store.events)+len(tx.events)) + 1
	tx.events = append(tx.events, &c)
	e.Seq = c.Seq
	return nil
}

func (tx *memTx) Events(after uint64, limit int) ([]*Event, error) {
	var result []*Event
	for _, list := range [][]*Event{tx.store.events, tx.events} {
		for _, e := range list {
			if limit > 0 && len(result) >= limit {
				return result, nil
			}
			if e.Seq > after {
				c := *e
				result = append(result, &c)
			}
		}
	}
	return result, nil
}

func (tx *memTx) UseNonce(nonce string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if nonce == "" {
		return fmt.Errorf("%w: empty nonce", ErrInvalidKey)
	}
	if _, ok := tx.store.nonces[nonce]; ok {
		return fmt.Errorf("%w: %s", ErrNonceUsed, nonce)
	}
	if _, ok := tx.nonces[nonce]; ok {
		return fmt.Errorf("%w: %s", ErrNonceUsed, nonce)
	}
	tx.nonces[nonce] = struct{}{}
	return nil
}
