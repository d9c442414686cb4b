// Package store persists deployment state, rollback proposals, and
// per-agent update history in a bbolt database. The orchestrator is
// the only writer; the API reads through it.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cirisai/ciris-manager/internal/deployment"
)

var (
	bucketDeployments = []byte("deployments")
	bucketProposals   = []byte("rollback_proposals")
	bucketHistory     = []byte("update_history")
)

// Store wraps the bolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures all buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDeployments, bucketProposals, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDeployment writes a deployment keyed by its id, overwriting any
// previous state.
func (s *Store) SaveDeployment(d *deployment.Deployment) error {
	if d.ID == "" {
		return fmt.Errorf("deployment has no id")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding deployment %s: %w", d.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put([]byte(d.ID), data)
	})
}

// GetDeployment loads one deployment. Returns nil with no error when
// the id is unknown.
func (s *Store) GetDeployment(id string) (*deployment.Deployment, error) {
	var d *deployment.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(id))
		if data == nil {
			return nil
		}
		d = new(deployment.Deployment)
		return json.Unmarshal(data, d)
	})
	if err != nil {
		return nil, fmt.Errorf("loading deployment %s: %w", id, err)
	}
	return d, nil
}

// ListDeployments returns deployments newest first, up to limit.
// limit <= 0 means all.
func (s *Store) ListDeployments(limit int) ([]*deployment.Deployment, error) {
	var out []*deployment.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var d deployment.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decoding deployment %s: %w", k, err)
			}
			out = append(out, &d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StagedAt.After(out[j].StagedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveDeployment returns the single non-terminal deployment, or nil
// when none is in flight.
func (s *Store) ActiveDeployment() (*deployment.Deployment, error) {
	all, err := s.ListDeployments(0)
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		if !d.State.Terminal() {
			return d, nil
		}
	}
	return nil, nil
}

// SaveProposal writes a rollback proposal keyed by its id.
func (s *Store) SaveProposal(p *deployment.RollbackProposal) error {
	if p.ID == "" {
		return fmt.Errorf("proposal has no id")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding proposal %s: %w", p.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProposals).Put([]byte(p.ID), data)
	})
}

// GetProposal loads one rollback proposal. Returns nil with no error
// when the id is unknown.
func (s *Store) GetProposal(id string) (*deployment.RollbackProposal, error) {
	var p *deployment.RollbackProposal
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProposals).Get([]byte(id))
		if data == nil {
			return nil
		}
		p = new(deployment.RollbackProposal)
		return json.Unmarshal(data, p)
	})
	if err != nil {
		return nil, fmt.Errorf("loading proposal %s: %w", id, err)
	}
	return p, nil
}

// ListProposals returns all rollback proposals, newest first.
func (s *Store) ListProposals() ([]*deployment.RollbackProposal, error) {
	var out []*deployment.RollbackProposal
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProposals).ForEach(func(k, v []byte) error {
			var p deployment.RollbackProposal
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("decoding proposal %s: %w", k, err)
			}
			out = append(out, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RecordUpdate appends one per-agent outcome to the history bucket,
// keyed by timestamp so iteration is chronological.
func (s *Store) RecordUpdate(rec deployment.UpdateRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding update record: %w", err)
	}
	key := rec.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + rec.AgentKey
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHistory).Put([]byte(key), data)
	})
}

// ListHistory returns the most recent update records, newest first,
// up to limit. limit <= 0 means all.
func (s *Store) ListHistory(limit int) ([]deployment.UpdateRecord, error) {
	var out []deployment.UpdateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec deployment.UpdateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding update record %s: %w", k, err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ deployment.Store = (*Store)(nil)
