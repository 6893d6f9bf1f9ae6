package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltRootBucket    = []byte("checkpoints")
	boltRecordsBucket = []byte("records")
	boltOrderBucket   = []byte("order")
)

// BoltStore persists checkpoints in a single bbolt file. Each conversation
// gets its own bucket holding records keyed by step id plus an index keyed
// by big-endian sequence.
type BoltStore struct {
	db   *bolt.DB
	opts options
}

type boltRecord struct {
	StepID    string `json:"step_id"`
	Sequence  int64  `json:"sequence"`
	State     []byte `json:"state"`
	Metadata  []byte `json:"metadata,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint file: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltRootBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating checkpoint bucket: %w", err)
	}
	return &BoltStore{db: db, opts: buildOptions(opts)}, nil
}

// Close closes the underlying file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func sequenceKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func (s *BoltStore) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(rec); err != nil {
		return err
	}
	now := s.opts.now().UnixNano()

	return s.db.Update(func(tx *bolt.Tx) error {
		conv, err := tx.Bucket(boltRootBucket).CreateBucketIfNotExists([]byte(rec.ConversationID))
		if err != nil {
			return err
		}
		records, err := conv.CreateBucketIfNotExists(boltRecordsBucket)
		if err != nil {
			return err
		}
		order, err := conv.CreateBucketIfNotExists(boltOrderBucket)
		if err != nil {
			return err
		}

		stored := boltRecord{
			StepID:    rec.StepID,
			Sequence:  rec.Sequence,
			State:     rec.State,
			Metadata:  rec.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing := records.Get([]byte(rec.StepID)); existing != nil {
			var prev boltRecord
			if err := json.Unmarshal(existing, &prev); err != nil {
				return fmt.Errorf("decoding checkpoint %s/%s: %w", rec.ConversationID, rec.StepID, err)
			}
			stored.CreatedAt = prev.CreatedAt
			if prev.Sequence != rec.Sequence {
				if err := order.Delete(sequenceKey(prev.Sequence)); err != nil {
					return err
				}
			}
		}

		value, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(rec.StepID), value); err != nil {
			return err
		}
		return order.Put(sequenceKey(rec.Sequence), []byte(rec.StepID))
	})
}

func (s *BoltStore) GetLatest(ctx context.Context, conversationID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(boltRootBucket).Bucket([]byte(conversationID))
		if conv == nil {
			return ErrNotFound
		}
		_, stepID := conv.Bucket(boltOrderBucket).Cursor().Last()
		if stepID == nil {
			return ErrNotFound
		}
		value := conv.Bucket(boltRecordsBucket).Get(stepID)
		if value == nil {
			return fmt.Errorf("checkpoint index points at missing step %q", stepID)
		}
		var err error
		rec, err = decodeBoltRecord(conversationID, value)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *BoltStore) List(ctx context.Context, conversationID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(boltRootBucket).Bucket([]byte(conversationID))
		if conv == nil {
			return nil
		}
		records := conv.Bucket(boltRecordsBucket)
		return conv.Bucket(boltOrderBucket).ForEach(func(_, stepID []byte) error {
			rec, err := decodeBoltRecord(conversationID, records.Get(stepID))
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func decodeBoltRecord(conversationID string, value []byte) (Record, error) {
	var stored boltRecord
	if err := json.Unmarshal(value, &stored); err != nil {
		return Record{}, fmt.Errorf("decoding checkpoint for %s: %w", conversationID, err)
	}
	return Record{
		ConversationID: conversationID,
		StepID:         stored.StepID,
		Sequence:       stored.Sequence,
		State:          stored.State,
		Metadata:       stored.Metadata,
		CreatedAt:      time.Unix(0, stored.CreatedAt),
		UpdatedAt:      time.Unix(0, stored.UpdatedAt),
	}, nil
}
