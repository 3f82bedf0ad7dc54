package cmd

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/models"
)

var HelpCmd = cmd(&Command{
	Name: "help",
	Desc: "List commands.",
	Run: func(c *Context) {
		for _, v := range sortedCommands() {
			c.Printf("  %-10s %-40s %s\n", v.Name, v.Args, v.Desc)
		}
	},
})

var TeamCmd = cmd(&Command{
	Name: "team",
	Desc: "Switch to a team, starting it if needed.",
	Args: "<team>",
	Run: func(c *Context, team models.TeamID) error {
		t, err := c.Task(team)
		if err != nil {
			return err
		}
		c.Cur = t
		return nil
	},
})

var TeamsCmd = cmd(&Command{
	Name: "teams",
	Desc: "List running teams.",
	Run: func(c *Context) {
		teams := c.Sys.Broker.Teams()
		sort.Slice(teams, func(i, j int) bool { return teams[i] < teams[j] })
		for _, team := range teams {
			c.Printf("  %d\n", team)
		}
	},
})

var ReserveCmd = cmd(&Command{
	Name: "reserve",
	Desc: "Reserve an address window.",
	Args: "<spec> <addr> <size>",
	Run: func(c *Context, spec models.AddressSpec, addr, size uint64) error {
		got, err := c.Cur.ReserveAddressRange(spec, addr, size)
		if err == nil {
			c.Printf("  0x%x\n", got)
		}
		return err
	},
})

var UnreserveCmd = cmd(&Command{
	Name: "unreserve",
	Desc: "Give part of a window back.",
	Args: "<addr> <size>",
	Run: func(c *Context, addr, size uint64) error {
		return c.Cur.UnreserveAddressRange(addr, size)
	},
})

var CreateCmd = cmd(&Command{
	Name: "create",
	Desc: "Create an area.",
	Args: "<name> <spec> <addr> <size> <lock> <prot>",
	Run: func(c *Context, name string, spec models.AddressSpec, addr, size uint64, lock models.LockMode, prot models.Prot) error {
		id, got, err := c.Cur.CreateArea(name, spec, addr, size, lock, prot)
		if err == nil {
			c.Printf("  area %d at 0x%x\n", id, got)
		}
		return err
	},
})

var CloneCmd = cmd(&Command{
	Name: "clone",
	Desc: "Map a shared area of any team.",
	Args: "<name> <spec> <addr> <prot> <source>",
	Run: func(c *Context, name string, spec models.AddressSpec, addr uint64, prot models.Prot, source models.AreaID) error {
		id, got, err := c.Cur.CloneArea(name, spec, addr, prot, source)
		if err == nil {
			c.Printf("  area %d at 0x%x\n", id, got)
		}
		return err
	},
})

var MapCmd = cmd(&Command{
	Name: "map",
	Desc: "Map a file as an area. Size 0 maps to the end of the file.",
	Args: "<name> <spec> <addr> <size> <prot> <mapping> <path> <off>",
	Run: func(c *Context, name string, spec models.AddressSpec, addr, size uint64, prot models.Prot, mapping models.MappingKind, path string, off uint64) error {
		id, got, err := c.Cur.MapFile(name, spec, addr, size, prot, mapping, path, off)
		if err == nil {
			c.Printf("  area %d at 0x%x\n", id, got)
		}
		return err
	},
})

var ResizeCmd = cmd(&Command{
	Name: "resize",
	Desc: "Resize an area in place.",
	Args: "<area> <size>",
	Run: func(c *Context, id models.AreaID, size uint64) error {
		return c.Cur.ResizeArea(id, size)
	},
})

var DeleteCmd = cmd(&Command{
	Name: "delete",
	Desc: "Delete an area.",
	Args: "<area>",
	Run: func(c *Context, id models.AreaID) error {
		return c.Cur.DeleteArea(id)
	},
})

var UnmapCmd = cmd(&Command{
	Name: "unmap",
	Desc: "Unmap a range, splitting areas around it.",
	Args: "<addr> <size>",
	Run: func(c *Context, addr, size uint64) error {
		return c.Cur.Unmap(addr, size)
	},
})

var ProtectCmd = cmd(&Command{
	Name: "protect",
	Desc: "Set the protection of an area.",
	Args: "<area> <prot>",
	Run: func(c *Context, id models.AreaID, prot models.Prot) error {
		return c.Cur.SetAreaProtection(id, prot)
	},
})

var MprotectCmd = cmd(&Command{
	Name: "mprotect",
	Desc: "Set the protection of a mapped range.",
	Args: "<addr> <size> <prot>",
	Run: func(c *Context, addr, size uint64, prot models.Prot) error {
		return c.Cur.SetMemoryProtection(addr, size, prot)
	},
})

var TransferCmd = cmd(&Command{
	Name: "transfer",
	Desc: "Hand an area to another team.",
	Args: "<area> <spec> <addr> <team>",
	Run: func(c *Context, id models.AreaID, spec models.AddressSpec, addr uint64, team models.TeamID) error {
		target, err := c.Task(team)
		if err != nil {
			return err
		}
		got, err := c.Cur.TransferArea(id, spec, addr, target)
		if err == nil {
			c.Printf("  area %d at 0x%x in team %d\n", id, got, team)
		}
		return err
	},
})

var ForkCmd = cmd(&Command{
	Name: "fork",
	Desc: "Fork the current team.",
	Args: "<child>",
	Run: func(c *Context, child models.TeamID) error {
		if _, ok := c.Tasks[child]; ok {
			return errors.Wrapf(models.ErrBadValue, "team %d is running", child)
		}
		t, err := c.Cur.Fork(child)
		if err != nil {
			return err
		}
		c.Tasks[child] = t
		return nil
	},
})

var ExitCmd = cmd(&Command{
	Name: "exit",
	Desc: "Exit a team.",
	Args: "<team>",
	Run: func(c *Context, team models.TeamID) error {
		t, ok := c.Tasks[team]
		if !ok {
			return errors.Wrapf(models.ErrBadValue, "no team %d", team)
		}
		if t == c.Cur {
			return errors.New("switch to another team first")
		}
		delete(c.Tasks, team)
		return t.Exit()
	},
})

var AreasCmd = cmd(&Command{
	Name: "areas",
	Desc: "List the areas of a team by name. Team 0 is the current one.",
	Args: "<team>",
	Run: func(c *Context, team models.TeamID) error {
		var infos []models.AreaInfo
		var cookie uint64
		for {
			info, next, ok, err := c.Cur.NextAreaInfo(team, cookie)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			infos = append(infos, info)
			cookie = next
		}
		sort.Slice(infos, func(i, j int) bool {
			return sortorder.NaturalLess(infos[i].NameString(), infos[j].NameString())
		})
		for _, info := range infos {
			shared := ""
			if info.Shared != 0 {
				shared = " shared"
			}
			c.Printf("  %5d %-20s 0x%x-0x%x %s%s\n", info.ID, info.NameString(),
				info.Address, info.Address+info.Size, models.Prot(info.Protection), shared)
		}
		return nil
	},
})

var WindowsCmd = cmd(&Command{
	Name: "windows",
	Desc: "List reserved windows.",
	Run: func(c *Context) {
		for _, w := range c.Cur.Reservations() {
			c.Printf("  %v\n", w)
		}
	},
})

var MapsCmd = cmd(&Command{
	Name: "maps",
	Desc: "Display the memory map.",
	Run: func(c *Context) error {
		maps, err := c.Cur.Mappings()
		if err != nil {
			return err
		}
		for _, m := range maps {
			c.Printf("  %v\n", m)
		}
		return nil
	},
})

var ReadCmd = cmd(&Command{
	Name: "read",
	Desc: "Dump memory.",
	Args: "<addr> <size>",
	Run: func(c *Context, addr, size uint64) error {
		mem, err := c.Cur.MemRead(addr, size)
		if err != nil {
			return err
		}
		c.Printf("%s", hex.Dump(mem))
		return nil
	},
})

var WriteCmd = cmd(&Command{
	Name: "write",
	Desc: "Write a string to memory.",
	Args: "<addr> <text>",
	Run: func(c *Context, addr uint64, text string) error {
		return c.Cur.MemWrite(addr, []byte(strings.ReplaceAll(text, `\n`, "\n")))
	},
})
