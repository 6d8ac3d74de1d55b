package db

import (
	"errors"

	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/oaeerr"
)

// translate maps gorm failures onto the error taxonomy. Errors that already
// carry a kind pass through untouched.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var kinded *oaeerr.Error
	if errors.As(err, &kinded) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return oaeerr.Wrap(oaeerr.NotFound, op, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return oaeerr.Wrap(oaeerr.Conflict, op, err)
	}
	return oaeerr.Wrap(oaeerr.StorageUnavailable, op, err)
}
