package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jllopis/relay/pkg/config"
	"github.com/jllopis/relay/pkg/errors"
)

// HistoryStore persists finished executions.
type HistoryStore interface {
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context, filter HistoryFilter) ([]*Execution, error)
}

// HistoryFilter limits history queries. Results are newest first.
type HistoryFilter struct {
	Workflow string
	Status   Status
	Limit    int
}

func (f HistoryFilter) match(e *Execution) bool {
	if f.Workflow != "" && e.Workflow != f.Workflow {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// MemoryHistory keeps executions in memory.
type MemoryHistory struct {
	mu    sync.Mutex
	execs []*Execution
}

// NewMemoryHistory returns an empty in-memory store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

// Save stores a copy of exec, replacing an earlier save with the same id.
func (s *MemoryHistory) Save(_ context.Context, exec *Execution) error {
	cp, err := cloneExecution(exec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.execs {
		if e.ID == exec.ID {
			s.execs[i] = cp
			return nil
		}
	}
	s.execs = append(s.execs, cp)
	return nil
}

// Get returns the execution with id.
func (s *MemoryHistory) Get(_ context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.ID == id {
			return cloneExecution(e)
		}
	}
	return nil, errNoExecution(id)
}

// List returns matching executions, newest first.
func (s *MemoryHistory) List(_ context.Context, filter HistoryFilter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Execution
	for i := len(s.execs) - 1; i >= 0; i-- {
		e := s.execs[i]
		if !filter.match(e) {
			continue
		}
		cp, err := cloneExecution(e)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// OpenHistory builds the store selected by cfg. An empty driver disables
// history and returns a nil store. The returned close function is never nil.
func OpenHistory(cfg config.HistoryConfig) (HistoryStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return nil, noop, nil
	case "memory":
		return NewMemoryHistory(), noop, nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:relay_history.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, noop, err
		}
		store, err := NewSQLiteHistory(db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, db.Close, nil
	}
	return nil, noop, errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown history driver %q", cfg.Driver), nil)
}

func cloneExecution(e *Execution) (*Execution, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var out Execution
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func errNoExecution(id string) error {
	return errors.New(errors.CodeInvalidInput, "execution not found", nil).WithContext("execution_id", id)
}
