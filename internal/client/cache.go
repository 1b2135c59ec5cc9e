package client

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketReplicas = []byte("replicas")

// BoltCache keeps replicas in a BoltDB file so a client can show its last
// known state before it reconnects.
type BoltCache struct {
	db *bbolt.DB
}

// OpenBoltCache opens or creates the cache file at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReplicas)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create replicas bucket: %w", err)
	}

	return &BoltCache{db: db}, nil
}

// Close closes the database file.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

func (c *BoltCache) Save(state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s: %w", state.EntityID, err)
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReplicas).Put([]byte(state.EntityID), data)
	})
}

func (c *BoltCache) Delete(entityID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReplicas).Delete([]byte(entityID))
	})
}

// Load returns every cached replica ordered by entity id.
func (c *BoltCache) Load() ([]State, error) {
	var states []State

	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReplicas).ForEach(func(k, v []byte) error {
			var st State
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}

			states = append(states, st)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return states, nil
}

var _ Cache = (*BoltCache)(nil)
