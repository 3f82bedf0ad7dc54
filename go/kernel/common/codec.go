package common

import (
	"github.com/lunixbochs/argjoy"

	"github.com/lunixbochs/areacorn/go/models"
)

func (k *KernelBase) commonArgCodec(arg interface{}, vals []interface{}) error {
	if reg, ok := vals[0].(uint64); ok {
		switch v := arg.(type) {
		case *Buf:
			*v = NewBuf(k, reg)
		case *Obuf:
			*v = Obuf{NewBuf(k, reg)}
		case *Len:
			*v = Len(reg)
		case *Addr:
			*v = Addr(reg)
		case *uint64:
			*v = reg
		case *models.AreaID:
			*v = models.AreaID(int32(reg))
		case *models.TeamID:
			*v = models.TeamID(int32(reg))
		case *models.Prot:
			*v = models.Prot(reg)
		case *models.LockMode:
			*v = models.LockMode(reg)
		case *models.MappingKind:
			*v = models.MappingKind(reg)
		case *models.AddressSpec:
			*v = models.AddressSpec(reg)
		case *string:
			s, err := k.Msg.ReadStrAt(reg)
			if err != nil {
				return err
			}
			*v = s
		default:
			return argjoy.NoMatch
		}
		return nil
	}
	return argjoy.NoMatch
}
