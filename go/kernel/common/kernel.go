// Package common dispatches lifecycle protocol calls by name onto the
// exported methods of a handler set.
package common

import (
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lunixbochs/argjoy"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/areacorn/go/models"
)

type KernelBase struct {
	Syscalls map[string]Syscall
	Argjoy   argjoy.Argjoy
	// Msg is the connection's message memory. Buffer arguments are offsets
	// into it.
	Msg *Msg
	Log *zap.Logger
}

func (k *KernelBase) AreacornKernel() *KernelBase {
	return k
}

type Kernel interface {
	AreacornKernel() *KernelBase
}

// methods every handler set inherits from KernelBase
var baseMethods = func() map[string]bool {
	names := make(map[string]bool)
	typ := reflect.TypeOf(&KernelBase{})
	for i := 0; i < typ.NumMethod(); i++ {
		names[typ.Method(i).Name] = true
	}
	return names
}()

func camelToSnakeCase(name string) string {
	var words []string
	last := 0
	for i, c := range name {
		if unicode.IsUpper(c) {
			if i > 0 {
				words = append(words, name[last:i])
			}
			last = i
		}
	}
	words = append(words, name[last:])
	return strings.ToLower(strings.Join(words, "_"))
}

// Init builds the call table of kf. Every exported method becomes a call
// named in snake case; a "Literal" prefix is dropped so a handler can use a
// name that clashes with a Go method.
func Init(kf Kernel) {
	k := kf.AreacornKernel()
	k.Syscalls = make(map[string]Syscall)
	if k.Msg == nil {
		k.Msg = &Msg{}
	}
	if k.Log == nil {
		k.Log = zap.NewNop()
	}
	instance := reflect.ValueOf(kf)
	typ := instance.Type()
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		name := method.Name
		if baseMethods[name] {
			continue
		}
		if strings.HasPrefix(name, "Literal") {
			name = strings.Replace(name, "Literal", "", 1)
		} else if r, size := utf8.DecodeRuneInString(name); size <= 0 || !unicode.IsUpper(r) {
			// skip private or broken unicode methods
			continue
		}
		name = camelToSnakeCase(name)
		in := make([]reflect.Type, method.Type.NumIn()-1)
		for j := 1; j < method.Type.NumIn(); j++ {
			in[j-1] = method.Type.In(j)
		}
		out := make([]reflect.Type, method.Type.NumOut())
		for j := 0; j < method.Type.NumOut(); j++ {
			out[j] = method.Type.Out(j)
		}
		k.Syscalls[name] = Syscall{
			Name:     name,
			Kernel:   k,
			Instance: instance,
			Method:   method,
			In:       in,
			Out:      out,
		}
	}
	k.Argjoy.Register(k.commonArgCodec)
	k.Argjoy.Register(argjoy.IntToInt)
}

func Lookup(kf Kernel, name string) *Syscall {
	k := kf.AreacornKernel()
	if k.Syscalls == nil {
		Init(kf)
	}
	if sys, ok := k.Syscalls[name]; ok {
		return &sys
	}
	return nil
}

// Dispatch runs one call and logs it at debug level.
func Dispatch(kf Kernel, name string, args ...uint64) (uint64, error) {
	sys := Lookup(kf, name)
	if sys == nil {
		return 0, errors.Wrapf(models.ErrBadValue, "unknown call %q", name)
	}
	ret, err := sys.Call(args)
	log := sys.Kernel.Log
	if ce := log.Check(zap.DebugLevel, "call"); ce != nil {
		ce.Write(zap.String("call", sys.Trace(args)), zap.String("ret", sys.TraceRet(ret, err)))
	}
	return ret, err
}
