//go:build linux

package areacorn

import "github.com/lunixbochs/areacorn/go/host"

func nativeHost() (host.Host, error) {
	return host.NewUnix(), nil
}
