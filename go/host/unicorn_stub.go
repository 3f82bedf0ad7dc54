//go:build !unicorn

package host

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/models"
)

// NewUnicorn needs a build with the unicorn tag and libunicorn installed.
func NewUnicorn(base, limit uint64) (Host, error) {
	return nil, errors.Wrap(models.ErrBadValue, "built without unicorn support, rebuild with -tags unicorn")
}
