package resource

import (
	"encoding/json"
	"strings"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/cockroachdb/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"
)

const (
	OpCreateEntity = "createEntity"
	OpGetEntity    = "getEntity"
	OpDeleteEntity = "deleteEntity"

	entityPrefix = "entity/"
)

type entity struct {
	Code       string                 `json:"code"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

func (e *entity) toMap() map[string]interface{} {
	props := e.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	return map[string]interface{}{"code": e.Code, "properties": props}
}

// EntityResource stores entities keyed by code in leveldb.
type EntityResource struct {
	db  *leveldb.DB
	log *zap.Logger
}

func OpenEntityResource(dir string, logger *zap.Logger) (*EntityResource, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open entity store %s", dir)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &EntityResource{db: db, log: logger.Named("entity")}, nil
}

func (r *EntityResource) Close() error {
	return r.db.Close()
}

func (r *EntityResource) Execute(staged []domain.Mutation, operation string, args map[string]interface{}) (interface{}, []domain.Mutation, error) {
	code, err := stringArg(args, "code")
	if err != nil {
		return nil, nil, errors.Wrap(err, operation)
	}

	key := entityPrefix + code

	current, err := r.lookup(staged, key)
	if err != nil {
		return nil, nil, err
	}

	switch operation {
	case OpCreateEntity:
		if current != nil {
			return nil, nil, errors.Newf("entity '%s' already exists", code)
		}

		props, _ := args["properties"].(map[string]interface{})
		value, err := json.Marshal(&entity{Code: code, Properties: props})
		if err != nil {
			return nil, nil, errors.Wrap(err, "could not encode entity")
		}

		return map[string]interface{}{"code": code},
			[]domain.Mutation{{Kind: domain.MutationPut, Key: key, Value: value, IfAbsent: true}}, nil

	case OpGetEntity:
		if current == nil {
			return nil, nil, domain.NotFoundError{Key: code}
		}
		return current.toMap(), nil, nil

	case OpDeleteEntity:
		if current == nil {
			return nil, nil, domain.NotFoundError{Key: code}
		}
		return map[string]interface{}{"code": code},
			[]domain.Mutation{{Kind: domain.MutationDelete, Key: key}}, nil
	}

	return nil, nil, errors.Newf("unknown entity operation %q", operation)
}

// Apply writes the mutations in one synced batch.
func (r *EntityResource) Apply(mutations []domain.Mutation) error {
	batch := new(leveldb.Batch)

	for _, m := range mutations {
		switch m.Kind {
		case domain.MutationPut:
			batch.Put([]byte(m.Key), m.Value)
		case domain.MutationDelete:
			batch.Delete([]byte(m.Key))
		default:
			return errors.AssertionFailedf("unknown mutation kind %q", m.Kind)
		}
	}

	if err := r.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.WithStack(err)
	}

	r.log.Debug("applied entity mutations", zap.Int("count", len(mutations)))

	return nil
}

// CheckPreconditions rejects the creation of an entity that another
// transaction committed after this one staged it. Only the first mutation of
// a key was decided against committed state; later ones saw the
// transaction's own changes.
func (r *EntityResource) CheckPreconditions(mutations []domain.Mutation) error {
	seen := make(map[string]struct{}, len(mutations))

	for _, m := range mutations {
		if _, ok := seen[m.Key]; ok {
			continue
		}
		seen[m.Key] = struct{}{}

		if !m.IfAbsent {
			continue
		}

		exists, err := r.db.Has([]byte(m.Key), nil)
		if err != nil {
			return errors.Wrapf(err, "could not read %s", m.Key)
		}
		if exists {
			return errors.Newf("entity '%s' already exists", strings.TrimPrefix(m.Key, entityPrefix))
		}
	}

	return nil
}

// Get reads a committed entity.
func (r *EntityResource) Get(code string) (map[string]interface{}, error) {
	e, err := r.lookup(nil, entityPrefix+code)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, domain.NotFoundError{Key: code}
	}
	return e.toMap(), nil
}

// lookup returns nil if the entity does not exist for this transaction.
func (r *EntityResource) lookup(staged []domain.Mutation, key string) (*entity, error) {
	var raw []byte

	if m, ok := domain.LookupStaged(staged, key); ok {
		if m.Kind == domain.MutationDelete {
			return nil, nil
		}
		raw = m.Value
	} else {
		v, err := r.db.Get([]byte(key), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "could not read %s", key)
		}
		raw = v
	}

	e := &entity{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, errors.Wrapf(err, "corrupt entity %s", key)
	}

	return e, nil
}
