package repository

import (
	"strconv"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"

	"github.com/totegamma/concrnt-odm/internal/domain"
)

// applyUpdate runs the operations of update against a stored body.
func applyUpdate(body []byte, update domain.Update) ([]byte, error) {
	raw, err := update.MarshalPatch()
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid patch")
	}
	patched, err := patch.Apply(body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to patch %s/%s", update.Collection, update.ID)
	}
	return patched, nil
}

func checksum(body []byte) string {
	return strconv.FormatUint(xxh3.Hash(body), 16)
}
