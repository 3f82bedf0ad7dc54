package main

import (
	"os"
	"strings"

	"github.com/lunixbochs/areacorn/go/cmd"
	"github.com/lunixbochs/areacorn/go/models"
)

func main() {
	c := cmd.NewAreaCmd("areactl")
	team := c.Flags.Int("team", 1, "team to start in")
	c.Main = func(args []string) error {
		ctx := cmd.NewContext(os.Stdout, c.System)
		t, err := ctx.Task(models.TeamID(*team))
		if err != nil {
			return err
		}
		ctx.Cur = t
		// commands on the command line run instead of the shell, split by ";"
		if len(args) > 0 {
			for _, line := range strings.Split(strings.Join(args, " "), ";") {
				if err := cmd.Run(ctx, line); err != nil {
					return err
				}
			}
			return nil
		}
		return cmd.Shell(ctx)
	}
	os.Exit(c.Run(os.Args))
}
