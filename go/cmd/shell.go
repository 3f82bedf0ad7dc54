package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/lunixbochs/argjoy"
	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/mattn/go-shellwords"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	areacorn "github.com/lunixbochs/areacorn/go"
	"github.com/lunixbochs/areacorn/go/models"
)

type Command struct {
	Name string
	Desc string
	Args string
	Run  interface{}
}

var Commands = make(map[string]*Command)

var contextType = reflect.TypeOf((*Context)(nil))

func cmd(c *Command) *Command {
	fn := reflect.TypeOf(c.Run)
	if fn == nil || fn.Kind() != reflect.Func || fn.NumIn() == 0 || fn.In(0) != contextType {
		panic(fmt.Sprintf("Command.Run must be a func(*Context, ...): got (%T) %#v\n", c.Run, c.Run))
	}
	Commands[c.Name] = c
	return c
}

// Context is the state of one shell: the system and a task per team.
type Context struct {
	io.Writer
	Sys   *areacorn.System
	Tasks map[models.TeamID]*areacorn.Task
	Cur   *areacorn.Task
}

func NewContext(w io.Writer, sys *areacorn.System) *Context {
	return &Context{Writer: w, Sys: sys, Tasks: make(map[models.TeamID]*areacorn.Task)}
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c, format, a...)
}

// Task returns the task of team, creating it on first use.
func (c *Context) Task(team models.TeamID) (*areacorn.Task, error) {
	if t, ok := c.Tasks[team]; ok {
		return t, nil
	}
	t, err := c.Sys.NewTask(team)
	if err != nil {
		return nil, err
	}
	c.Tasks[team] = t
	return t, nil
}

var aj argjoy.Argjoy

func init() {
	aj.Register(argCodec)
}

var specNames = map[string]models.AddressSpec{
	"any":   models.AnyAddress,
	"exact": models.ExactAddress,
	"base":  models.BaseAddress,
	"clone": models.CloneAddress,
	"rany":  models.RandomizedAnyAddress,
	"rbase": models.RandomizedBaseAddress,
}

var lockNames = map[string]models.LockMode{
	"none": models.NoLock,
	"lazy": models.LazyLock,
	"full": models.FullLock,
}

var mappingNames = map[string]models.MappingKind{
	"shared":  models.SharedMap,
	"private": models.PrivateMap,
}

// parseProt takes either a number or letters from "rwxsc".
func parseProt(s string) (models.Prot, error) {
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return models.Prot(n), nil
	}
	var prot models.Prot
	for _, ch := range s {
		switch ch {
		case 'r':
			prot |= models.ProtRead
		case 'w':
			prot |= models.ProtWrite
		case 'x':
			prot |= models.ProtExec
		case 's':
			prot |= models.ProtStack
		case 'c':
			prot |= models.ProtCloneable
		case '-':
		default:
			return 0, errors.Errorf("bad protection %q", s)
		}
	}
	return prot, nil
}

func argCodec(arg interface{}, vals []interface{}) error {
	s, ok := vals[0].(string)
	if !ok {
		return argjoy.NoMatch
	}
	var err error
	switch v := arg.(type) {
	case *string:
		*v = s
	case *uint64:
		*v, err = strconv.ParseUint(s, 0, 64)
	case *models.AreaID:
		var n int64
		n, err = strconv.ParseInt(s, 0, 32)
		*v = models.AreaID(n)
	case *models.TeamID:
		var n int64
		n, err = strconv.ParseInt(s, 0, 32)
		*v = models.TeamID(n)
	case *models.Prot:
		*v, err = parseProt(s)
	case *models.AddressSpec:
		if *v, ok = specNames[s]; !ok {
			err = errors.Errorf("address spec must be one of %s", names(specNames))
		}
	case *models.LockMode:
		if *v, ok = lockNames[s]; !ok {
			err = errors.Errorf("lock must be one of %s", names(lockNames))
		}
	case *models.MappingKind:
		if *v, ok = mappingNames[s]; !ok {
			err = errors.Errorf("mapping must be one of %s", names(mappingNames))
		}
	default:
		return argjoy.NoMatch
	}
	return err
}

func names[T any](m map[string]T) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func (c *Context) errorf(err error) {
	c.Printf("%s\n", ansi.Color("error: "+err.Error(), "red"))
}

// Run parses and executes one line. The returned error only reports a
// broken shell; command failures are printed.
func Run(c *Context, line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	command, ok := Commands[name]
	if !ok {
		c.Printf("command not found.\n")
		return nil
	}
	fn := reflect.ValueOf(command.Run)
	in := make([]reflect.Type, fn.Type().NumIn()-1)
	for i := range in {
		in[i] = fn.Type().In(i + 1)
	}
	if len(args) != len(in) {
		c.Printf("usage: %s %s\n", command.Name, command.Args)
		return nil
	}
	converted, err := aj.Convert(in, false, args)
	if err != nil {
		c.errorf(err)
		return nil
	}
	out := fn.Call(append([]reflect.Value{reflect.ValueOf(c)}, converted...))
	if len(out) > 0 {
		if err, ok := out[len(out)-1].Interface().(error); ok && err != nil {
			c.errorf(err)
		}
	}
	return nil
}

// Shell reads commands until EOF.
func Shell(c *Context) error {
	cfg := &readline.Config{}
	if cache := configdir.New("areacorn", "areactl").QueryCacheFolder(); cache != nil {
		if err := cache.MkdirAll(); err == nil {
			cfg.HistoryFile = filepath.Join(cache.Path, "history")
		}
	}
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return errors.Wrap(err, "opening readline")
	}
	defer rl.Close()
	c.Writer = rl.Stdout()
	for {
		rl.SetPrompt(fmt.Sprintf("team %d> ", c.Cur.Team()))
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err := Run(c, line); err != nil {
			return err
		}
	}
}

func sortedCommands() []*Command {
	out := make([]*Command, 0, len(Commands))
	for _, c := range Commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return sortorder.NaturalLess(out[i].Name, out[j].Name) })
	return out
}
