package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var (
	bucketMeta         = []byte("meta")
	bucketRounds       = []byte("rounds")
	bucketParticipants = []byte("participants")
	bucketEvents       = []byte("events")
	bucketNonces       = []byte("nonces")

	keyMeta = []byte("state")
)

// BoltStore persists the ledger in a bbolt database. bbolt allows a single
// writer, which serializes every Update.
type BoltStore struct {
	db *bbolt.DB
}

// Compile-time interface check.
var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the bbolt database at dbPath.
// The parent directory is created if it does not exist.
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketRounds, bucketParticipants, bucketEvents, bucketNonces} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("boltstore: create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// View runs fn in a read-only bbolt transaction.
func (s *BoltStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// Update runs fn in a read-write bbolt transaction. Returning an error rolls
// back every write, including assigned event sequence numbers.
func (s *BoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		if err := fn(&boltTx{tx: btx}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

// uint64Key encodes n as an 8-byte big-endian key for sorted storage.
func uint64Key(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// participantBoltKey is round(8) || id, so a round's participants share a prefix.
func participantBoltKey(round uint64, id string) []byte {
	k := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(k, round)
	copy(k[8:], id)
	return k
}

// ---------------------------------------------------------------------------
// boltTx implements Tx.
// ---------------------------------------------------------------------------

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) put(bucket, key []byte, v any) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("boltstore: encode %s: %w", bucket, err)
	}
	if err := t.tx.Bucket(bucket).Put(key, data); err != nil {
		return fmt.Errorf("boltstore: put %s: %w", bucket, err)
	}
	return nil
}

func (t *boltTx) Meta() (*Meta, error) {
	data := t.tx.Bucket(bucketMeta).Get(keyMeta)
	if data == nil {
		return &Meta{}, nil
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("boltstore: decode meta: %w", err)
	}
	return &m, nil
}

func (t *boltTx) PutMeta(m *Meta) error {
	if m == nil {
		return fmt.Errorf("%w: meta", ErrNilParam)
	}
	return t.put(bucketMeta, keyMeta, m)
}

func (t *boltTx) Round(number uint64) (*Round, error) {
	data := t.tx.Bucket(bucketRounds).Get(uint64Key(number))
	if data == nil {
		return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, number)
	}
	var r Round
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("boltstore: decode round: %w", err)
	}
	return &r, nil
}

func (t *boltTx) PutRound(r *Round) error {
	if r == nil {
		return fmt.Errorf("%w: round", ErrNilParam)
	}
	if r.Number == 0 {
		return fmt.Errorf("%w: round number must be positive", ErrInvalidKey)
	}
	return t.put(bucketRounds, uint64Key(r.Number), r)
}

func (t *boltTx) Rounds() ([]*Round, error) {
	var rounds []*Round
	err := t.tx.Bucket(bucketRounds).ForEach(func(k, v []byte) error {
		var r Round
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("boltstore: decode round in list: %w", err)
		}
		rounds = append(rounds, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rounds, nil
}

func (t *boltTx) Participant(round uint64, id string) (*Participant, error) {
	data := t.tx.Bucket(bucketParticipants).Get(participantBoltKey(round, id))
	if data == nil {
		return nil, fmt.Errorf("%w: round %d id %q", ErrParticipantNotFound, round, id)
	}
	var p Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("boltstore: decode participant: %w", err)
	}
	return &p, nil
}

func (t *boltTx) PutParticipant(p *Participant) error {
	if p == nil {
		return fmt.Errorf("%w: participant", ErrNilParam)
	}
	if p.Round == 0 || p.ID == "" {
		return fmt.Errorf("%w: participant needs round and id", ErrInvalidKey)
	}
	return t.put(bucketParticipants, participantBoltKey(p.Round, p.ID), p)
}

func (t *boltTx) Participants(round uint64) ([]*Participant, error) {
	prefix := uint64Key(round)
	var result []*Participant
	c := t.tx.Bucket(bucketParticipants).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var p Participant
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, fmt.Errorf("boltstore: decode participant in list: %w", err)
		}
		result = append(result, &p)
	}
	return result, nil
}

func (t *boltTx) AppendEvent(e *Event) error {
	if e == nil {
		return fmt.Errorf("%w: event", ErrNilParam)
	}
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	seq, err := t.tx.Bucket(bucketEvents).NextSequence()
	if err != nil {
		return fmt.Errorf("boltstore: next event sequence: %w", err)
	}
	e.Seq = seq
	return t.put(bucketEvents, uint64Key(seq), e)
}

func (t *boltTx) Events(after uint64, limit int) ([]*Event, error) {
	var result []*Event
	if after == math.MaxUint64 {
		return nil, nil
	}
	c := t.tx.Bucket(bucketEvents).Cursor()
	for k, v := c.Seek(uint64Key(after + 1)); k != nil; k, v = c.Next() {
		if limit > 0 && len(result) >= limit {
			break
		}
		var e Event
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("boltstore: decode event: %w", err)
		}
		result = append(result, &e)
	}
	return result, nil
}

func (t *boltTx) UseNonce(nonce string) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	if nonce == "" {
		return fmt.Errorf("%w: empty nonce", ErrInvalidKey)
	}
	b := t.tx.Bucket(bucketNonces)
	if b.Get([]byte(nonce)) != nil {
		return fmt.Errorf("%w: %s", ErrNonceUsed, nonce)
	}
	if err := b.Put([]byte(nonce), []byte{1}); err != nil {
		return fmt.Errorf("boltstore: put nonce: %w", err)
	}
	return nil
}
