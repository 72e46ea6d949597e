package service

import (
	"sync"
	"testing"
	"time"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/Nystya/txn-coordinator/repository/database"
	"github.com/Nystya/txn-coordinator/service/servicetest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const interactiveKey = "interactive-key"

var (
	alice = domain.Credentials{SessionToken: "alice", InteractiveSessionKey: interactiveKey}
	bob   = domain.Credentials{SessionToken: "bob", InteractiveSessionKey: interactiveKey}
	carol = domain.Credentials{SessionToken: "carol", InteractiveSessionKey: interactiveKey}
	admin = domain.Credentials{SessionToken: "admin", InteractiveSessionKey: interactiveKey}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore refuses to persist one status.
type failingStore struct {
	database.TransactionStore
	failStatus domain.Status
}

func (f *failingStore) Put(record *domain.TransactionRecord) error {
	if record.Status == f.failStatus {
		return errors.New("disk full")
	}
	return f.TransactionStore.Put(record)
}

// gatedStore holds every Put of one status until the gate is closed.
type gatedStore struct {
	database.TransactionStore
	status  domain.Status
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore(status domain.Status) *gatedStore {
	return &gatedStore{
		TransactionStore: database.NewMemoryDatabase(),
		status:           status,
		entered:          make(chan struct{}, 1),
		gate:             make(chan struct{}),
	}
}

func (g *gatedStore) Put(record *domain.TransactionRecord) error {
	if record.Status == g.status {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.gate
	}
	return g.TransactionStore.Put(record)
}

func newTestCoordinator(t *testing.T, store database.TransactionStore, participants []Participant, opts ...Option) *TPCCoordinator {
	t.Helper()

	if store == nil {
		store = database.NewMemoryDatabase()
	}

	defaults := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithRetryBackoff(Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}),
		WithRetryRate(1000),
		WithParticipantCallTimeout(time.Second),
	}

	sessions := NewStaticSessionTokenProvider([]string{"alice", "bob", "carol"}, []string{"admin"})
	coordinator, err := NewTPCCoordinator(interactiveKey, sessions, participants, store, append(defaults, opts...)...)
	require.NoError(t, err)

	t.Cleanup(coordinator.Stop)

	return coordinator
}

func twoParticipants() (*servicetest.Participant, *servicetest.Participant, []Participant) {
	a := servicetest.NewParticipant("A")
	b := servicetest.NewParticipant("B")
	return a, b, []Participant{a, b}
}

func put(key, value string) map[string]interface{} {
	return map[string]interface{}{"key": key, "value": value}
}
