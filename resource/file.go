package resource

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	OpWrite  = "write"
	OpRead   = "read"
	OpDelete = "delete"
)

// FileResource stores files under a root directory. Paths in arguments are
// relative to the root and may not escape it.
type FileResource struct {
	root string
	log  *zap.Logger
}

func NewFileResource(root string, logger *zap.Logger) (*FileResource, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create file store %s", root)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileResource{root: root, log: logger.Named("file")}, nil
}

func (r *FileResource) Execute(staged []domain.Mutation, operation string, args map[string]interface{}) (interface{}, []domain.Mutation, error) {
	raw, err := stringArg(args, "path")
	if err != nil {
		return nil, nil, errors.Wrap(err, operation)
	}

	path, err := cleanPath(raw)
	if err != nil {
		return nil, nil, err
	}

	switch operation {
	case OpWrite:
		content, ok := args["content"].(string)
		if !ok {
			return nil, nil, errors.New("write: argument \"content\" must be a string")
		}
		return map[string]interface{}{"path": path, "size": len(content)},
			[]domain.Mutation{{Kind: domain.MutationPut, Key: path, Value: []byte(content)}}, nil

	case OpRead:
		content, err := r.read(staged, path)
		if err != nil {
			return nil, nil, err
		}
		return string(content), nil, nil

	case OpDelete:
		if _, err := r.read(staged, path); err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"path": path},
			[]domain.Mutation{{Kind: domain.MutationDelete, Key: path}}, nil
	}

	return nil, nil, errors.Newf("unknown file operation %q", operation)
}

// Apply writes each file through a temporary file and a rename, so a
// replayed mutation leaves the same content behind.
func (r *FileResource) Apply(mutations []domain.Mutation) error {
	for _, m := range mutations {
		target := filepath.Join(r.root, m.Key)

		switch m.Kind {
		case domain.MutationPut:
			if err := writeFileAtomic(target, m.Value); err != nil {
				return err
			}
		case domain.MutationDelete:
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				return errors.Wrapf(err, "could not delete %s", m.Key)
			}
		default:
			return errors.AssertionFailedf("unknown mutation kind %q", m.Kind)
		}
	}

	r.log.Debug("applied file mutations", zap.Int("count", len(mutations)))

	return nil
}

// ReadFile reads committed content.
func (r *FileResource) ReadFile(path string) ([]byte, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	return r.read(nil, clean)
}

func (r *FileResource) read(staged []domain.Mutation, path string) ([]byte, error) {
	if m, ok := domain.LookupStaged(staged, path); ok {
		if m.Kind == domain.MutationDelete {
			return nil, domain.NotFoundError{Key: path}
		}
		return m.Value, nil
	}

	content, err := os.ReadFile(filepath.Join(r.root, path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.NotFoundError{Key: path}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}

	return content, nil
}

func cleanPath(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Newf("path %q must stay inside the file store", path)
	}
	return filepath.ToSlash(clean), nil
}

func writeFileAtomic(target string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrapf(err, "could not create directory for %s", target)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".staged-*")
	if err != nil {
		return errors.Wrapf(err, "could not stage %s", target)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(content); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "could not write %s", target)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "could not sync %s", target)
	}
	if err = tmp.Close(); err != nil {
		return err
	}

	return errors.Wrapf(os.Rename(tmp.Name(), target), "could not move %s into place", target)
}
