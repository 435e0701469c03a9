package framelog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore keeps frames for the lifetime of the process. It mirrors the
// ordering of SQLiteStore.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Record
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: map[string][]Record{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Append(_ context.Context, r Record) (Record, error) {
	if s == nil {
		return Record{}, errors.New("in-memory frame log: nil store")
	}
	r, err := normalizeRecord(r)
	if err != nil {
		return Record{}, errors.Wrap(err, "in-memory frame log")
	}
	if r.AtMs == 0 {
		r.AtMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Seq = int64(len(s.sessions[r.SessionID])) + 1
	s.sessions[r.SessionID] = append(s.sessions[r.SessionID], r)
	return r, nil
}

func (s *InMemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	if s == nil {
		return nil, errors.New("in-memory frame log: nil store")
	}
	q, err := normalizeQuery(q)
	if err != nil {
		return nil, errors.Wrap(err, "in-memory frame log")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.sessions[q.SessionID] {
		if r.Seq <= q.AfterSeq {
			continue
		}
		if q.Direction != "" && r.Direction != q.Direction {
			continue
		}
		out = append(out, r)
		if len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Sessions(_ context.Context) ([]SessionSummary, error) {
	if s == nil {
		return nil, errors.New("in-memory frame log: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSummary, 0, len(s.sessions))
	for id, records := range s.sessions {
		ss := SessionSummary{SessionID: id, Frames: len(records)}
		for i, r := range records {
			if i == 0 || r.AtMs < ss.FirstAtMs {
				ss.FirstAtMs = r.AtMs
			}
			if r.AtMs > ss.LastAtMs {
				ss.LastAtMs = r.AtMs
			}
		}
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAtMs != out[j].LastAtMs {
			return out[i].LastAtMs > out[j].LastAtMs
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}
