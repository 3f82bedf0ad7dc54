package broker

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lunixbochs/areacorn/go/backing"
	"github.com/lunixbochs/areacorn/go/models"
)

// fork copies of backing files run at most this many at a time
const cloneWorkers = 4

// Fork gives child a copy of every area of parent. Child areas get fresh
// ids. A private area with a backing file gets its own copy of the file, a
// shared one keeps pointing at the parent's file. Returns parent id to
// child id.
func (b *Broker) Fork(parent, child models.TeamID) (map[models.AreaID]models.AreaID, error) {
	if parent == child {
		return nil, errors.Wrapf(models.ErrBadValue, "team %d forking itself", parent)
	}
	pt, err := b.team(parent)
	if err != nil {
		return nil, err
	}
	ct, err := b.team(child)
	if err != nil {
		return nil, err
	}
	unlock := lockPair(pt, ct)
	defer unlock()

	ids := pt.ids()
	copies := make([]*models.Area, len(ids))
	for i, id := range ids {
		copies[i] = pt.areas[id].Copy()
	}

	var g errgroup.Group
	g.SetLimit(cloneWorkers)
	for _, c := range copies {
		if c.Share == nil {
			continue
		}
		c := c
		g.Go(func() error {
			path := c.Share.Path
			if c.Mapping == models.PrivateMap {
				var err error
				path, err = b.store.CloneSharedFile(c.Name, backing.Ref(c.Share.Ref))
				if err != nil {
					c.Share = nil
					return err
				}
			}
			ref, err := b.store.OpenSharedFile(path, true)
			if err != nil {
				if path != c.Share.Path {
					os.Remove(path)
				}
				c.Share = nil
				return err
			}
			c.Share = &models.Sharing{Ref: int(ref), Path: path, Offset: c.Share.Offset}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// clones that finished still hold references; closing the last one
		// removes the copied file
		var result error = err
		for i, c := range copies {
			if c.Share != nil && c.Share.Ref != pt.areas[ids[i]].Share.Ref {
				if cerr := b.store.Close(backing.Ref(c.Share.Ref)); cerr != nil {
					result = multierror.Append(result, cerr)
				}
			}
		}
		b.log.Warn("fork failed", zap.Int32("team", int32(parent)), zap.Int32("child", int32(child)), zap.Error(result))
		return nil, result
	}

	out := make(map[models.AreaID]models.AreaID, len(ids))
	for i, c := range copies {
		out[ids[i]] = b.insert(ct, c)
	}
	b.log.Debug("forked team", zap.Int32("team", int32(parent)), zap.Int32("child", int32(child)), zap.Int("areas", len(out)))
	return out, nil
}
