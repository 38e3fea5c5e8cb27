// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package journal is the kernel-core's diagnostics event log (spec §12,
// ambient — not in spec.md): an in-memory badger-backed append log with
// subscriber channels, recording buddy conservation violations, slab GC
// recycle/destroy decisions, priority-inheritance boost/un-boost
// transitions, migrate/steal events, and fatal-error diagnostics just
// before kerrors.Fatal panics. It is purely observational: nothing reads
// the journal back to make a scheduling or allocation decision.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/charmos-go/kcore/pkg/kerrors"
	"github.com/charmos-go/kcore/pkg/topology"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Kind identifies the category of a recorded entry.
type Kind int

const (
	KindBuddyConservation Kind = iota
	KindSlabRecycle
	KindSlabDestroy
	KindPriorityBoost
	KindPriorityUnboost
	KindMigrate
	KindSteal
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindBuddyConservation:
		return "buddy-conservation"
	case KindSlabRecycle:
		return "slab-recycle"
	case KindSlabDestroy:
		return "slab-destroy"
	case KindPriorityBoost:
		return "priority-boost"
	case KindPriorityUnboost:
		return "priority-unboost"
	case KindMigrate:
		return "migrate"
	case KindSteal:
		return "steal"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Entry is one journal record.
type Entry struct {
	ID      uuid.UUID         `json:"id"`
	Kind    Kind              `json:"kind"`
	At      time.Time         `json:"at"`
	CPU     topology.CPUID    `json:"cpu,omitempty"`
	Domain  topology.DomainID `json:"domain,omitempty"`
	Message string            `json:"message"`
	Fields  map[string]any    `json:"fields,omitempty"`
}

type subscriber struct {
	kind *Kind // nil subscribes to every kind
	ch   chan Entry
}

// Journal is the event log. One Journal is shared across an entire
// kernel.Kernel instance.
type Journal struct {
	log logr.Logger

	mu     sync.Mutex
	closed bool
	seq    uint64

	db        *badger.DB
	route     chan Entry
	stopRoute chan struct{}
	wg        sync.WaitGroup

	subMu sync.Mutex
	subs  []*subscriber
}

// New opens an in-memory badger instance and starts the event router.
func New(log logr.Logger) (*Journal, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}
	j := &Journal{
		log:       log.WithName("journal"),
		db:        db,
		route:     make(chan Entry, 256),
		stopRoute: make(chan struct{}),
	}
	j.wg.Add(1)
	go j.runRouter()
	return j, nil
}

// Record appends an entry and routes it to matching subscribers. Fields
// is serialized with encoding/json rather than protobuf — unlike the
// resource store's typed Resource/Relationship messages, diagnostic
// payloads here are ad hoc per call site with no generated schema, so a
// schemaless encoding is the right fit rather than a workaround.
func (j *Journal) Record(kind Kind, cpu topology.CPUID, domain topology.DomainID, msg string, fields map[string]any) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.seq++
	seq := j.seq
	j.mu.Unlock()

	e := Entry{ID: uuid.New(), Kind: kind, At: time.Now(), CPU: cpu, Domain: domain, Message: msg, Fields: fields}
	if err := j.persist(seq, e); err != nil {
		j.log.Error(err, "journal: persist failed", "kind", kind.String())
	}

	select {
	case j.route <- e:
	default:
		j.log.V(1).Info("journal dropped entry, router backlogged", "kind", kind.String())
	}
}

// Fatal records a KindFatal entry describing the invariant violation and
// then calls kerrors.Fatal, so the last thing written to the journal
// before a panic is what triggered it.
func (j *Journal) Fatal(log logr.Logger, kind kerrors.Kind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	j.Record(KindFatal, 0, 0, msg, map[string]any{"errorKind": kind.String()})
	kerrors.Fatal(log, kind, "%s", msg)
}

func (j *Journal) persist(seq uint64, e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := binary.BigEndian.AppendUint64(nil, seq)
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Recent returns up to n of the most recently recorded entries, newest
// first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(entries) < n; it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

// Subscribe returns a channel that emits entries as they're recorded. A
// nil kind subscribes to every kind. The channel is closed on Close.
func (j *Journal) Subscribe(kind *Kind) <-chan Entry {
	ch := make(chan Entry, 32)
	j.subMu.Lock()
	defer j.subMu.Unlock()
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		close(ch)
		return ch
	}
	j.subs = append(j.subs, &subscriber{kind: kind, ch: ch})
	return ch
}

func (j *Journal) runRouter() {
	defer j.wg.Done()
	for {
		select {
		case e := <-j.route:
			j.subMu.Lock()
			subs := j.subs
			j.subMu.Unlock()
			for _, s := range subs {
				if s.kind != nil && *s.kind != e.Kind {
					continue
				}
				select {
				case s.ch <- e:
				default:
				}
			}
		case <-j.stopRoute:
			j.subMu.Lock()
			for _, s := range j.subs {
				close(s.ch)
			}
			j.subMu.Unlock()
			return
		}
	}
}

// Close stops the router and closes the backing store. Idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stopRoute)
	j.wg.Wait()
	return j.db.Close()
}
