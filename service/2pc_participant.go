package service

import (
	"context"
	"sort"
	"sync"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/Nystya/txn-coordinator/repository/database"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultCompactEvery is how many finished transactions a participant lets
// accumulate in its journal before compacting it.
const DefaultCompactEvery = 256

type participantTx struct {
	id        string
	state     domain.ParticipantState
	mutations []domain.Mutation

	lock sync.Mutex
}

// TPCParticipant is a local participant: it stages the mutations produced
// by a Resource, journals its prepare and commit decisions and applies the
// mutations on commit.
type TPCParticipant struct {
	name     string
	journal  database.Journal
	resource Resource
	log      *zap.Logger

	lock         *sync.Mutex
	txs          map[string]*participantTx
	keyOwners    map[string]string
	lockMap      map[string]*sync.Mutex
	finished     int
	compactEvery int
}

func NewTPCParticipant(name string, journal database.Journal, resource Resource, logger *zap.Logger) *TPCParticipant {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TPCParticipant{
		name:      name,
		journal:   journal,
		resource:  resource,
		log:       logger.Named("participant").With(zap.String("participant", name)),
		lock:      &sync.Mutex{},
		txs:       make(map[string]*participantTx),
		keyOwners: make(map[string]string),
		lockMap:   make(map[string]*sync.Mutex),

		compactEvery: DefaultCompactEvery,
	}
}

// SetCompactEvery changes how many finished transactions trigger a journal
// compaction. Values below one disable compaction after commit and rollback.
func (t *TPCParticipant) SetCompactEvery(n int) {
	t.lock.Lock()
	t.compactEvery = n
	t.lock.Unlock()
}

func (t *TPCParticipant) Name() string {
	return t.name
}

func (t *TPCParticipant) Begin(_ context.Context, txID string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.txs[txID]; ok {
		return nil
	}

	t.txs[txID] = &participantTx{id: txID, state: domain.Running}
	t.log.Debug("begun", zap.String("transaction_id", txID))

	return nil
}

func (t *TPCParticipant) ExecuteOperation(_ context.Context, txID string, operation string, args map[string]interface{}) (interface{}, error) {
	tx := t.get(txID)
	if tx == nil {
		return nil, errors.Newf("transaction '%s' does not exist at participant '%s'", txID, t.name)
	}

	tx.lock.Lock()
	defer tx.lock.Unlock()

	if tx.state != domain.Running {
		return nil, errors.Newf("transaction '%s' is %s and accepts no more operations", txID, tx.state)
	}

	result, mutations, err := t.resource.Execute(tx.mutations, operation, args)
	if err != nil {
		return nil, err
	}

	tx.mutations = append(tx.mutations, mutations...)

	return result, nil
}

func (t *TPCParticipant) Prepare(_ context.Context, txID string) error {
	tx := t.get(txID)
	if tx == nil {
		return errors.Newf("transaction '%s' does not exist at participant '%s'", txID, t.name)
	}

	tx.lock.Lock()
	defer tx.lock.Unlock()

	switch tx.state {
	case domain.Prepared:
		return nil
	case domain.Running:
	default:
		return errors.Newf("transaction '%s' is %s and cannot be prepared", txID, tx.state)
	}

	if err := t.claim(txID, tx.mutations); err != nil {
		return err
	}

	if checker, ok := t.resource.(PreconditionChecker); ok {
		if err := checker.CheckPreconditions(tx.mutations); err != nil {
			t.release(txID, tx.mutations)
			return err
		}
	}

	err := t.journal.Append(&domain.JournalEntry{TxID: txID, State: domain.Prepared, Mutations: tx.mutations})
	if err != nil {
		t.release(txID, tx.mutations)
		return errors.Wrap(err, "could not journal prepare")
	}

	tx.state = domain.Prepared
	t.log.Debug("prepared", zap.String("transaction_id", txID), zap.Int("mutations", len(tx.mutations)))

	return nil
}

// Commit of an unknown transaction succeeds: it was committed earlier and
// already forgotten.
func (t *TPCParticipant) Commit(_ context.Context, txID string) error {
	tx := t.get(txID)
	if tx == nil {
		return nil
	}

	tx.lock.Lock()
	defer tx.lock.Unlock()

	switch tx.state {
	case domain.Committed:
		return nil
	case domain.Prepared:
	default:
		return errors.Newf("transaction '%s' is %s and cannot be committed", txID, tx.state)
	}

	if err := t.journal.Append(&domain.JournalEntry{TxID: txID, State: domain.Committed}); err != nil {
		return errors.Wrap(err, "could not journal commit")
	}

	if err := t.apply(tx.mutations); err != nil {
		return errors.Wrap(err, "could not apply committed mutations")
	}

	tx.state = domain.Committed
	t.release(txID, tx.mutations)
	t.forget(txID)

	t.log.Debug("committed", zap.String("transaction_id", txID))
	t.finish()

	return nil
}

// Rollback of an unknown or committed transaction is a no-op.
func (t *TPCParticipant) Rollback(_ context.Context, txID string) error {
	tx := t.get(txID)
	if tx == nil {
		return nil
	}

	tx.lock.Lock()
	defer tx.lock.Unlock()

	switch tx.state {
	case domain.Committed, domain.Aborted:
		return nil
	case domain.Prepared:
		if err := t.journal.Append(&domain.JournalEntry{TxID: txID, State: domain.Aborted}); err != nil {
			return errors.Wrap(err, "could not journal rollback")
		}
		t.release(txID, tx.mutations)
	}

	tx.state = domain.Aborted
	t.forget(txID)

	t.log.Debug("rolled back", zap.String("transaction_id", txID))
	t.finish()

	return nil
}

func (t *TPCParticipant) ListPreparedTransactions(_ context.Context) ([]string, error) {
	t.lock.Lock()
	txs := make([]*participantTx, 0, len(t.txs))
	for _, tx := range t.txs {
		txs = append(txs, tx)
	}
	t.lock.Unlock()

	ids := make([]string, 0)
	for _, tx := range txs {
		tx.lock.Lock()
		if tx.state == domain.Prepared {
			ids = append(ids, tx.id)
		}
		tx.lock.Unlock()
	}
	sort.Strings(ids)

	return ids, nil
}

// Recover replays the journal: committed transactions are applied again in
// journal order and prepared ones are restored with their key claims.
func (t *TPCParticipant) Recover() error {
	entries, err := t.journal.Recover()
	if err != nil {
		return errors.Wrap(err, "could not read journal")
	}

	staged := make(map[string][]domain.Mutation)
	state := make(map[string]domain.ParticipantState)
	order := make([]string, 0)

	for _, entry := range entries {
		switch entry.State {
		case domain.Prepared:
			if _, ok := state[entry.TxID]; !ok {
				order = append(order, entry.TxID)
			}
			staged[entry.TxID] = entry.Mutations
			state[entry.TxID] = domain.Prepared
		case domain.Committed:
			if state[entry.TxID] == domain.Prepared {
				if err = t.apply(staged[entry.TxID]); err != nil {
					return errors.Wrapf(err, "could not replay commit of %s", entry.TxID)
				}
			}
			state[entry.TxID] = domain.Committed
		case domain.Aborted:
			state[entry.TxID] = domain.Aborted
		}
	}

	t.lock.Lock()
	restored := 0
	for _, txID := range order {
		if state[txID] != domain.Prepared {
			continue
		}

		t.txs[txID] = &participantTx{id: txID, state: domain.Prepared, mutations: staged[txID]}
		for _, m := range staged[txID] {
			t.keyOwners[m.Key] = txID
		}
		restored++
	}
	t.lock.Unlock()

	t.log.Info("recovered journal", zap.Int("entries", len(entries)), zap.Int("prepared", restored))

	// Everything committed has just been applied again.
	return t.Compact()
}

// Compact drops the journal entries of every transaction this participant
// no longer holds. Held transactions keep all their entries, including a
// commit entry whose mutations could not be applied yet.
func (t *TPCParticipant) Compact() error {
	dropped, err := t.journal.Compact(func(txID string) bool {
		return t.get(txID) != nil
	})
	if err != nil {
		return errors.Wrap(err, "could not compact journal")
	}

	if dropped > 0 {
		t.log.Info("compacted journal", zap.Int("dropped_entries", dropped))
	}

	return nil
}

// finish counts a finished transaction and compacts the journal once enough
// of them have piled up.
func (t *TPCParticipant) finish() {
	t.lock.Lock()
	t.finished++
	due := t.compactEvery > 0 && t.finished >= t.compactEvery
	if due {
		t.finished = 0
	}
	t.lock.Unlock()

	if !due {
		return
	}

	if err := t.Compact(); err != nil {
		t.log.Warn("journal compaction failed", zap.Error(err))
	}
}

func (t *TPCParticipant) get(txID string) *participantTx {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.txs[txID]
}

func (t *TPCParticipant) forget(txID string) {
	t.lock.Lock()
	delete(t.txs, txID)
	t.lock.Unlock()
}

func (t *TPCParticipant) claim(txID string, mutations []domain.Mutation) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, m := range mutations {
		if owner, ok := t.keyOwners[m.Key]; ok && owner != txID {
			return domain.ConflictError{Key: m.Key, Owner: owner}
		}
	}

	for _, m := range mutations {
		t.keyOwners[m.Key] = txID
	}

	return nil
}

func (t *TPCParticipant) release(txID string, mutations []domain.Mutation) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, m := range mutations {
		if t.keyOwners[m.Key] == txID {
			delete(t.keyOwners, m.Key)
		}
	}
}

// apply writes mutations while holding the lock of each touched key.
func (t *TPCParticipant) apply(mutations []domain.Mutation) error {
	keys := make(map[string]struct{}, len(mutations))
	for _, m := range mutations {
		keys[m.Key] = struct{}{}
	}

	locks := make([]*sync.Mutex, 0, len(keys))
	for _, key := range domain.SortedNames(keys) {
		locks = append(locks, t.keyLock(key))
	}

	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for _, l := range locks {
			l.Unlock()
		}
	}()

	return t.resource.Apply(mutations)
}

func (t *TPCParticipant) keyLock(key string) *sync.Mutex {
	t.lock.Lock()
	defer t.lock.Unlock()

	lock, ok := t.lockMap[key]
	if !ok {
		lock = &sync.Mutex{}
		t.lockMap[key] = lock
	}

	return lock
}
