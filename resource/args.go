package resource

import (
	"github.com/cockroachdb/errors"
)

func stringArg(args map[string]interface{}, name string) (string, error) {
	raw, ok := args[name]
	if !ok {
		return "", errors.Newf("missing argument %q", name)
	}

	s, ok := raw.(string)
	if !ok || s == "" {
		return "", errors.Newf("argument %q must be a non-empty string", name)
	}

	return s, nil
}
