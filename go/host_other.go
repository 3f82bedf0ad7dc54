//go:build !linux

package areacorn

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/host"
	"github.com/lunixbochs/areacorn/go/models"
)

func nativeHost() (host.Host, error) {
	return nil, errors.Wrapf(models.ErrBadValue, "no native host on %s, set AREACORN_SIMULATE", runtime.GOOS)
}
