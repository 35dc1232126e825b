// Package store implements the Plan Database Gateway (C1): a LevelDB-backed
// persistence layer for PlanSpecifications and PlanMementos, keyed by id.
//
// Unlike the vehicle's async telemetry writers, every operation here is
// synchronous from the caller's viewpoint (spec §4.1): the Engine State
// Machine is the only caller and it blocks the single control loop on each
// call, so there is no write queue and no background goroutine.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/duneuav/planengine/internal/imc"
)

// LevelDB key prefix scheme — "|" separates prefix from id.
//
//	p|<id> → PlanSpecification JSON
//	x|<id> → PlanMemento JSON
const (
	prefixPlan    = "p|"
	prefixMemento = "x|"
)

// ErrNotFound is returned by Lookup when no record exists for id.
var ErrNotFound = errors.New("store: not found")

// Store is the Plan Database Gateway's concrete persistence backend.
type Store struct {
	dir string
	db  *leveldb.DB
}

// New constructs a Store rooted at dir. Open must be called before use.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Open opens the persistent store, creating dir if necessary. Idempotent:
// calling Open on an already-open Store is a no-op.
func (s *Store) Open() error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir %s: %w", s.dir, err)
	}
	db, err := leveldb.OpenFile(s.dir, nil)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", s.dir, err)
	}
	s.db = db
	return nil
}

// Close flushes and releases the store. Safe to call when not open.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// StorePlan persists a PlanSpecification keyed by its PlanID.
func (s *Store) StorePlan(p imc.PlanSpecification) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal plan %s: %w", p.PlanID, err)
	}
	if err := s.db.Put([]byte(prefixPlan+p.PlanID), data, nil); err != nil {
		return fmt.Errorf("store: put plan %s: %w", p.PlanID, err)
	}
	return nil
}

// StoreMemento persists a PlanMemento keyed by its ID.
func (s *Store) StoreMemento(m imc.PlanMemento) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal memento %s: %w", m.ID, err)
	}
	if err := s.db.Put([]byte(prefixMemento+m.ID), data, nil); err != nil {
		return fmt.Errorf("store: put memento %s: %w", m.ID, err)
	}
	return nil
}

// LookupPlan retrieves the PlanSpecification for id. Returns ErrNotFound
// when no record exists.
func (s *Store) LookupPlan(id string) (imc.PlanSpecification, error) {
	data, err := s.db.Get([]byte(prefixPlan+id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return imc.PlanSpecification{}, ErrNotFound
		}
		return imc.PlanSpecification{}, fmt.Errorf("store: get plan %s: %w", id, err)
	}
	var p imc.PlanSpecification
	if err := json.Unmarshal(data, &p); err != nil {
		return imc.PlanSpecification{}, fmt.Errorf("store: unmarshal plan %s: %w", id, err)
	}
	return p, nil
}

// LookupMemento retrieves the PlanMemento for id. Returns ErrNotFound when
// no record exists.
func (s *Store) LookupMemento(id string) (imc.PlanMemento, error) {
	data, err := s.db.Get([]byte(prefixMemento+id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return imc.PlanMemento{}, ErrNotFound
		}
		return imc.PlanMemento{}, fmt.Errorf("store: get memento %s: %w", id, err)
	}
	var m imc.PlanMemento
	if err := json.Unmarshal(data, &m); err != nil {
		return imc.PlanMemento{}, fmt.Errorf("store: unmarshal memento %s: %w", id, err)
	}
	return m, nil
}

// Delete removes the record of kind for id. Missing records are not an error.
func (s *Store) Delete(kind imc.RecordKind, id string) error {
	key := keyFor(kind, id)
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every record of kind.
func (s *Store) Clear(kind imc.RecordKind) error {
	prefix := prefixFor(kind)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		batch.Delete(key)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("store: clear %s iterate: %w", kind, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store: clear %s write: %w", kind, err)
	}
	return nil
}

// OnPlanDB handles an externally initiated get/set/del/clear request on the
// store (spec §4.1) and returns the reply to be published on the bus.
func (s *Store) OnPlanDB(req imc.PlanDB) imc.PlanDBReply {
	reply := imc.PlanDBReply{RequestID: req.RequestID}

	switch req.Op {
	case imc.DBOpGet:
		switch req.Kind {
		case imc.KindPlan:
			p, err := s.LookupPlan(req.ID)
			if err != nil {
				reply.Message = err.Error()
				return reply
			}
			reply.OK = true
			reply.Plan = &p
		case imc.KindMemento:
			m, err := s.LookupMemento(req.ID)
			if err != nil {
				reply.Message = err.Error()
				return reply
			}
			reply.OK = true
			reply.Memento = &m
		}
	case imc.DBOpSet:
		switch req.Kind {
		case imc.KindPlan:
			if req.Plan == nil {
				reply.Message = "set PLAN requires a plan payload"
				return reply
			}
			if err := s.StorePlan(*req.Plan); err != nil {
				reply.Message = err.Error()
				return reply
			}
			reply.OK = true
		case imc.KindMemento:
			if req.Memento == nil {
				reply.Message = "set MEMENTO requires a memento payload"
				return reply
			}
			if err := s.StoreMemento(*req.Memento); err != nil {
				reply.Message = err.Error()
				return reply
			}
			reply.OK = true
		}
	case imc.DBOpDel:
		if err := s.Delete(req.Kind, req.ID); err != nil {
			reply.Message = err.Error()
			return reply
		}
		reply.OK = true
	case imc.DBOpClear:
		if err := s.Clear(req.Kind); err != nil {
			reply.Message = err.Error()
			return reply
		}
		reply.OK = true
	default:
		reply.Message = fmt.Sprintf("unknown PlanDB op %q", req.Op)
	}
	return reply
}

func prefixFor(kind imc.RecordKind) string {
	if kind == imc.KindMemento {
		return prefixMemento
	}
	return prefixPlan
}

func keyFor(kind imc.RecordKind, id string) string {
	return prefixFor(kind) + id
}
