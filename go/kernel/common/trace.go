package common

import (
	"fmt"
	"strings"

	"github.com/lunixbochs/areacorn/go/models"
)

func (s Syscall) traceArg(arg interface{}) string {
	hex := func(a interface{}) string {
		tmp := fmt.Sprintf("0x%x", a)
		if strings.HasPrefix(tmp, "0x-") {
			tmp = "-0x" + tmp[3:]
		}
		return tmp
	}

	switch arg := arg.(type) {
	case Obuf:
		return "out@" + hex(arg.Addr)
	case Buf:
		var info models.AreaInfo
		if err := arg.Unpack(&info); err == nil {
			return info.Area().String()
		}
		return hex(arg.Addr)
	case Addr:
		return hex(uint64(arg))
	case Len:
		return hex(uint64(arg))
	case models.Prot:
		return arg.String()
	case string:
		return fmt.Sprintf("%q", arg)
	case uint64:
		return hex(arg)
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func (s Syscall) traceArgs(regs []uint64) string {
	if len(regs) < len(s.In) {
		return "<missing arguments>"
	}
	inRef, err := s.Kernel.Argjoy.Convert(s.In, false, regs[:len(s.In)])
	if err != nil {
		return err.Error()
	}
	ret := make([]string, len(inRef))
	for i, val := range inRef {
		ret[i] = s.traceArg(val.Interface())
	}
	return strings.Join(ret, ", ")
}

func (s Syscall) Trace(regs []uint64) string {
	return fmt.Sprintf("%s(%s)", s.Name, s.traceArgs(regs))
}

func (s Syscall) TraceRet(ret uint64, err error) string {
	if err != nil {
		return fmt.Sprintf("%d (%v)", models.Status(err), err)
	}
	return fmt.Sprintf("0x%x", ret)
}
