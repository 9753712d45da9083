/* SPDX-License-Identifier: BSD-2-Clause */

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/ricardobranco777/go-forksafe"
)

// probe implements subcommands.Command.
type probe struct {
	safeMode bool
	size     int
}

// Name implements subcommands.Command.Name.
func (*probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*probe) Synopsis() string {
	return "initializes fork safety and protects a test mapping"
}

// Usage implements subcommands.Command.Usage.
func (*probe) Usage() string {
	return `probe [flags]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *probe) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.safeMode, "safe", false, "resolve page sizes per mapping (as if "+forksafe.EnvHugePagesSafe+" were set)")
	f.IntVar(&p.size, "size", 1<<20, "size of the test mapping in bytes")
}

// Execute implements subcommands.Command.Execute.
func (p *probe) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	opts := []forksafe.Option{}
	if p.safeMode {
		opts = append(opts, forksafe.WithSafeMode(true))
	}
	c := forksafe.New(opts...)
	if err := c.Initialize(); err != nil {
		logrus.WithError(err).Error("initialize")
		return subcommands.ExitFailure
	}
	fmt.Printf("state:     %v\n", c.State())
	fmt.Printf("safe mode: %v\n", c.SafeMode())
	fmt.Printf("page size: %d\n", forksafe.SystemPageSize())

	_, closeFn, err := forksafe.ProtectMapping(c, p.size)
	if err != nil {
		logrus.WithError(err).Error("protect test mapping")
		return subcommands.ExitFailure
	}
	for _, r := range c.Ranges() {
		fmt.Printf("protected: %v refs=%d page=%d\n", r.Range, r.Refs, c.PageSize(r.Start))
	}
	if err := closeFn(); err != nil {
		logrus.WithError(err).Error("unprotect test mapping")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func openMaps(path string) (io.ReadCloser, error) {
	if path == "" {
		return forksafe.OpenSmaps()
	}
	return os.Open(path)
}

// maps implements subcommands.Command.
type maps struct {
	file string
}

// Name implements subcommands.Command.Name.
func (*maps) Name() string {
	return "maps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*maps) Synopsis() string {
	return "lists mappings and their kernel page sizes"
}

// Usage implements subcommands.Command.Usage.
func (*maps) Usage() string {
	return `maps [flags]
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *maps) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.file, "file", "", "smaps file to read instead of "+forksafe.SmapsPath)
}

// Execute implements subcommands.Command.Execute.
func (m *maps) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	r, err := openMaps(m.file)
	if err != nil {
		logrus.WithError(err).Error("open mappings")
		return subcommands.ExitFailure
	}
	defer r.Close()

	mappings, err := forksafe.ParseMappings(r)
	if err != nil {
		logrus.WithError(err).Error("parse mappings")
		return subcommands.ExitFailure
	}
	for _, mp := range mappings {
		fmt.Printf("%016x-%016x %8d kB\n", mp.Start, mp.End, mp.PageSize/1024)
	}
	return subcommands.ExitSuccess
}

// resolve implements subcommands.Command.
type resolve struct {
	file string
}

// Name implements subcommands.Command.Name.
func (*resolve) Name() string {
	return "resolve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*resolve) Synopsis() string {
	return "resolves the page size governing an address"
}

// Usage implements subcommands.Command.Usage.
func (*resolve) Usage() string {
	return `resolve [flags] <hex address>...
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *resolve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.file, "file", "", "smaps file to read instead of "+forksafe.SmapsPath)
}

// Execute implements subcommands.Command.Execute.
func (r *resolve) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	resolver := forksafe.NewPageSizeResolver(true, 0, func() (io.ReadCloser, error) {
		return openMaps(r.file)
	})
	for _, arg := range f.Args() {
		addr, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 64)
		if err != nil {
			logrus.WithError(err).Errorf("bad address %q", arg)
			return subcommands.ExitUsageError
		}
		res := resolver.Resolve(uintptr(addr))
		if res.Err != nil {
			fmt.Printf("%#x %d %v (%v)\n", addr, res.PageSize, res.Source, res.Err)
			continue
		}
		fmt.Printf("%#x %d %v\n", addr, res.PageSize, res.Source)
	}
	return subcommands.ExitSuccess
}
