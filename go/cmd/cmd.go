package cmd

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	areacorn "github.com/lunixbochs/areacorn/go"
	"github.com/lunixbochs/areacorn/go/models"
)

// AreaCmd builds a System from the environment and command line flags and
// hands it to Main.
type AreaCmd struct {
	Config *models.Config
	System *areacorn.System
	Flags  *flag.FlagSet

	SetupFlags func() error
	Main       func(args []string) error
}

func NewAreaCmd(name string) *AreaCmd {
	return &AreaCmd{Flags: flag.NewFlagSet(name, flag.ExitOnError)}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func (c *AreaCmd) PrintError(err error) {
	// print an error, and a stacktrace if available
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "%s\n", ansi.Color("Error: "+err.Error(), "red"))
	if err, ok := err.(stackTracer); ok && c.Config != nil && c.Config.Debug {
		for _, f := range err.StackTrace() {
			method := fmt.Sprintf("%n", f)
			fmt.Fprintf(os.Stderr, "%s:%d | %s()\n", f, f, method)
			if method == "main" {
				break
			}
		}
	}
}

// Run parses argv and returns the process exit code.
func (c *AreaCmd) Run(argv []string) int {
	config, err := models.ParseConfig()
	if err != nil {
		c.PrintError(err)
		return 1
	}
	fs := c.Flags
	fs.StringVar(&config.BackingDir, "backing", config.BackingDir, "directory for shared backing files")
	fs.Uint64Var(&config.PageSize, "pagesize", config.PageSize, "guest page size")
	fs.Uint64Var(&config.BaseAddress, "base", config.BaseAddress, "hint for areas placed anywhere")
	fs.Uint64Var(&config.RandomizeRange, "random", config.RandomizeRange, "span of randomized placements")
	fs.BoolVar(&config.Debug, "v", config.Debug, "debug logging")
	fs.BoolVar(&config.Simulate, "sim", config.Simulate, "simulate the host address space in-process")
	fs.BoolVar(&config.Unicorn, "unicorn", config.Unicorn, "keep guest memory in a unicorn engine")
	fs.IntVar(&config.MaxBackingRefs, "maxrefs", config.MaxBackingRefs, "limit on open backing file references")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [command...]\n\nOptions:\n", argv[0])
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment: AREACORN_BACKING_DIR AREACORN_PAGE_SIZE AREACORN_BASE_ADDRESS\n")
		fmt.Fprintf(os.Stderr, "  AREACORN_RANDOMIZE_RANGE AREACORN_DEBUG AREACORN_SIMULATE\n")
		fmt.Fprintf(os.Stderr, "  AREACORN_UNICORN AREACORN_MAX_BACKING_REFS\n")
	}
	if c.SetupFlags != nil {
		if err := c.SetupFlags(); err != nil {
			c.PrintError(err)
			return 1
		}
	}
	fs.Parse(argv[1:])
	if err := config.Validate(); err != nil {
		c.PrintError(err)
		return 1
	}
	c.Config = config

	log, err := areacorn.NewLogger(config.Debug)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	sys, err := areacorn.NewSystem(config, log)
	if err != nil {
		c.PrintError(err)
		return 1
	}
	c.System = sys
	defer sys.Close()

	if c.Main != nil {
		if err := c.Main(fs.Args()); err != nil {
			c.PrintError(err)
			return 1
		}
	}
	return 0
}
