// Package walstore is a concrete storage.Adapter implementation, adapted
// from the teacher repo's internal/store package: every mutation is
// appended to a write-ahead log before the in-memory index is updated, and
// Open recovers by replaying the whole log; there are no snapshots. Spec §1 treats the
// persistent row store as an external collaborator ("a blind key/value/
// column sink with atomic row writes"); this package is that collaborator,
// reworked from the teacher's (key -> Value) shape to the spec's
// (queueID, messageStamp) shape with a tentative/commit split and TTL
// expiry (spec §7's open-question resolution (a)).
package walstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sopmq/sopmq/internal/wire"
)

const (
	opTentative = "TENTATIVE"
	opCommit    = "COMMIT"
)

// walEntry is one NDJSON line in the log, mirroring the teacher's
// walEntry{Op, Key, Value} shape but keyed by queue id and carrying a clock
// instead of an opaque value.
type walEntry struct {
	Op            string            `json:"op"`
	QueueID       string            `json:"queue_id"`
	Body          []byte            `json:"body,omitempty"`
	ProposedClock wire.NodeClockSet `json:"proposed_clock"`
	FinalClock    *wire.NodeClockSet `json:"final_clock,omitempty"`
	Tiebreaker    uint64            `json:"tiebreaker,omitempty"`
}

type row struct {
	body          []byte
	proposedClock wire.NodeClockSet
	finalClock    *wire.NodeClockSet
	tiebreaker    uint64
	acceptedAt    time.Time
	ttl           time.Duration
}

func (r row) committed() bool { return r.finalClock != nil }

func (r row) expired(now time.Time) bool {
	return !r.committed() && r.ttl > 0 && now.After(r.acceptedAt.Add(r.ttl))
}

// Store is a WAL-backed storage.Adapter. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	byQueue  map[string][]*row // append-ordered per queue; committed rows are what ReadRange serves
	file     *os.File
	path     string
	tiebreak uint64
}

// Open creates or recovers a Store rooted at dataDir, replaying its WAL.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("walstore: create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "wal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walstore: open wal: %w", err)
	}

	s := &Store{
		byQueue: make(map[string][]*row),
		file:    f,
		path:    path,
	}
	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("walstore: replay: %w", err)
	}
	return s, nil
}

func (s *Store) replay() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	pending := make(map[string]*row) // keyed by queueID+proposedClock for matching commits
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // corrupt entry: skip, matching teacher's replay behavior
		}
		key := clockKey(e.QueueID, e.ProposedClock)
		switch e.Op {
		case opTentative:
			r := &row{body: e.Body, proposedClock: e.ProposedClock}
			pending[key] = r
			s.byQueue[e.QueueID] = append(s.byQueue[e.QueueID], r)
		case opCommit:
			if r, ok := pending[key]; ok {
				r.finalClock = e.FinalClock
				r.tiebreaker = e.Tiebreaker
				if e.Tiebreaker >= s.tiebreak {
					s.tiebreak = e.Tiebreaker + 1
				}
			}
		}
	}
	if _, err := s.file.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}

func clockKey(queueID string, c wire.NodeClockSet) string {
	return fmt.Sprintf("%s|%d:%d|%d:%d|%d:%d", queueID,
		c[0].NodeID, c[0].Counter, c[1].NodeID, c[1].Counter, c[2].NodeID, c[2].Counter)
}

func (s *Store) append(e walEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return err
	}
	return s.file.Sync()
}

// TentativeAccept implements storage.Adapter.
func (s *Store) TentativeAccept(queueID string, body []byte, proposedClock wire.NodeClockSet, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.append(walEntry{Op: opTentative, QueueID: queueID, Body: body, ProposedClock: proposedClock}); err != nil {
		return fmt.Errorf("walstore: append tentative: %w", err)
	}
	s.byQueue[queueID] = append(s.byQueue[queueID], &row{
		body:          body,
		proposedClock: proposedClock,
		acceptedAt:    time.Now(),
		ttl:           ttl,
	})
	return nil
}

// Commit implements storage.Adapter.
func (s *Store) Commit(queueID string, proposedClock wire.NodeClockSet, finalClock wire.NodeClockSet) (wire.MessageStamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.byQueue[queueID]
	now := time.Now()
	var target *row
	for _, r := range rows {
		if r.proposedClock == proposedClock && !r.committed() && !r.expired(now) {
			target = r
			break
		}
	}
	if target == nil {
		return wire.MessageStamp{}, fmt.Errorf("walstore: no tentative row for queue %q matching proposed clock", queueID)
	}

	tb := s.tiebreak
	s.tiebreak++

	if err := s.append(walEntry{
		Op: opCommit, QueueID: queueID, ProposedClock: proposedClock,
		FinalClock: &finalClock, Tiebreaker: tb,
	}); err != nil {
		return wire.MessageStamp{}, fmt.Errorf("walstore: append commit: %w", err)
	}

	target.finalClock = &finalClock
	target.tiebreaker = tb

	return wire.MessageStamp{Clock: finalClock, Tiebreaker: tb}, nil
}

// ReadRange implements storage.Adapter.
func (s *Store) ReadRange(queueID string, from wire.MessageStamp, limit int) ([]wire.StampedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.byQueue[queueID]
	out := make([]wire.StampedMessage, 0, limit)
	committed := make([]*row, 0, len(rows))
	for _, r := range rows {
		if r.committed() {
			committed = append(committed, r)
		}
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].tiebreaker < committed[j].tiebreaker })

	for _, r := range committed {
		if r.tiebreaker < from.Tiebreaker {
			continue
		}
		out = append(out, wire.StampedMessage{
			Stamp: wire.MessageStamp{Clock: *r.finalClock, Tiebreaker: r.tiebreaker},
			Body:  r.body,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close closes the underlying WAL file.
func (s *Store) Close() error {
	return s.file.Close()
}
