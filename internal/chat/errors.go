package chat

import (
	"errors"

	"github.com/junqo/messaging-gateway/internal/fault"
	"github.com/junqo/messaging-gateway/internal/store"
)

// storeFault classifies a store error: missing rows are NotFound, foreign
// key violations are BadRequest and anything else is Internal.
func storeFault(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fault.Missing("%s not found", what)
	case errors.Is(err, store.ErrForeignKey):
		fe := fault.Rejected("%s references a missing entity", what)
		fe.Err = err
		return fe
	default:
		return fault.Wrap(err, "%s store failure", what)
	}
}
