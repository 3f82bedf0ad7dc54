package common

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/models"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

type Syscall struct {
	Name     string
	Kernel   *KernelBase
	Instance reflect.Value
	Method   reflect.Method
	In       []reflect.Type
	Out      []reflect.Type
}

// Call a handler from the dispatch table. The first result, when it is an
// integer, is the return value; a trailing error result is returned as is.
func (sys Syscall) Call(args []uint64) (uint64, error) {
	if len(args) < len(sys.In) {
		return 0, errors.Wrapf(models.ErrBadValue, "%s wants %d arguments, got %d", sys.Name, len(sys.In), len(args))
	}
	// convert call arguments
	converted, err := sys.Kernel.Argjoy.Convert(sys.In, false, args[:len(sys.In)])
	if err != nil {
		return 0, errors.Wrapf(models.ErrBadValue, "calling %T.%s(): %s", sys.Instance.Interface(), sys.Method.Name, err)
	}
	in := make([]reflect.Value, len(converted)+1)
	in[0] = sys.Instance
	copy(in[1:], converted)
	// call handler function
	out := sys.Method.Func.Call(in)
	if n := len(out); n > 0 && sys.Out[n-1] == errorType {
		if e, _ := out[n-1].Interface().(error); e != nil {
			return 0, e
		}
		out = out[:n-1]
	}
	// return output if first return of function is representable as an int type
	if len(out) > 0 {
		switch v := out[0]; v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return uint64(v.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			return v.Uint(), nil
		case reflect.Bool:
			if v.Bool() {
				return 1, nil
			}
		}
	}
	return 0, nil
}
