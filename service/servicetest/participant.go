// Package servicetest provides an in-memory participant for exercising the
// coordinator.
package servicetest

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

const (
	MethodBegin    = "Begin"
	MethodExecute  = "ExecuteOperation"
	MethodPrepare  = "Prepare"
	MethodCommit   = "Commit"
	MethodRollback = "Rollback"
	MethodList     = "ListPreparedTransactions"
)

var ErrInjected = errors.New("injected failure")

// Participant keeps a string key/value store. It understands the "put" and
// "get" operations with "key" and "value" arguments.
type Participant struct {
	name string

	mu        sync.Mutex
	committed map[string]string
	staged    map[string]map[string]string
	prepared  map[string]struct{}
	finished  map[string]string
	failures  map[string]int
	calls     map[string]int
	commits   map[string]int
}

func NewParticipant(name string) *Participant {
	return &Participant{
		name:      name,
		committed: make(map[string]string),
		staged:    make(map[string]map[string]string),
		prepared:  make(map[string]struct{}),
		finished:  make(map[string]string),
		failures:  make(map[string]int),
		calls:     make(map[string]int),
		commits:   make(map[string]int),
	}
}

// FailOn makes the next times calls of method fail. A negative count fails
// until FailOn is called again.
func (p *Participant) FailOn(method string, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[method] = times
}

func (p *Participant) fail(method string) error {
	p.calls[method]++

	n := p.failures[method]
	if n == 0 {
		return nil
	}
	if n > 0 {
		p.failures[method] = n - 1
	}
	return errors.Wrapf(ErrInjected, "%s %s", p.name, method)
}

func (p *Participant) Name() string {
	return p.name
}

func (p *Participant) Begin(_ context.Context, txID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fail(MethodBegin); err != nil {
		return err
	}

	if _, ok := p.staged[txID]; !ok {
		p.staged[txID] = make(map[string]string)
	}
	return nil
}

func (p *Participant) ExecuteOperation(_ context.Context, txID string, operation string, args map[string]interface{}) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fail(MethodExecute); err != nil {
		return nil, err
	}

	staged, ok := p.staged[txID]
	if !ok {
		return nil, errors.Newf("transaction '%s' was not begun at %s", txID, p.name)
	}
	if _, ok = p.prepared[txID]; ok {
		return nil, errors.Newf("transaction '%s' is prepared at %s", txID, p.name)
	}

	key, _ := args["key"].(string)
	switch operation {
	case "put":
		value, _ := args["value"].(string)
		staged[key] = value
		return value, nil
	case "get":
		if v, ok := staged[key]; ok {
			return v, nil
		}
		return p.committed[key], nil
	default:
		return nil, errors.Newf("unknown operation %q", operation)
	}
}

func (p *Participant) Prepare(_ context.Context, txID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fail(MethodPrepare); err != nil {
		return err
	}

	if _, ok := p.staged[txID]; !ok {
		return errors.Newf("transaction '%s' was not begun at %s", txID, p.name)
	}
	p.prepared[txID] = struct{}{}
	return nil
}

func (p *Participant) Commit(_ context.Context, txID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fail(MethodCommit); err != nil {
		return err
	}

	if _, ok := p.prepared[txID]; !ok {
		return nil
	}

	for k, v := range p.staged[txID] {
		p.committed[k] = v
	}
	delete(p.prepared, txID)
	delete(p.staged, txID)
	p.finished[txID] = MethodCommit
	p.commits[txID]++
	return nil
}

func (p *Participant) Rollback(_ context.Context, txID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fail(MethodRollback); err != nil {
		return err
	}

	if _, ok := p.staged[txID]; !ok {
		return nil
	}

	delete(p.prepared, txID)
	delete(p.staged, txID)
	p.finished[txID] = MethodRollback
	return nil
}

func (p *Participant) ListPreparedTransactions(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fail(MethodList); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(p.prepared))
	for id := range p.prepared {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ForcePrepared stages values for txID and marks it prepared, as if a
// coordinator had prepared it and then lost track of it.
func (p *Participant) ForcePrepared(txID string, values map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	staged := make(map[string]string, len(values))
	for k, v := range values {
		staged[k] = v
	}
	p.staged[txID] = staged
	p.prepared[txID] = struct{}{}
}

// Value returns the committed value of key.
func (p *Participant) Value(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.committed[key]
	return v, ok
}

// Outcome returns MethodCommit or MethodRollback once txID has finished here.
func (p *Participant) Outcome(txID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished[txID]
}

func (p *Participant) IsPrepared(txID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.prepared[txID]
	return ok
}

// IsOpen reports whether txID was begun here and has not finished.
func (p *Participant) IsOpen(txID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.staged[txID]
	return ok
}

func (p *Participant) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// CommitsApplied counts how many times txID's staged values were applied.
func (p *Participant) CommitsApplied(txID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits[txID]
}
