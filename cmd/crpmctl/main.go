// Command crpmctl is a small operator tool for a checkpointed image: create
// one, run a checkpoint round against it, inspect its root table, dump its
// counters, or write a pprof snapshot of its dirty state. Grounded on
// biscuit/src/mkfs's shape (a single-purpose main that parses os.Args into
// an operation and a handful of positional parameters, fmt.Printf'd
// progress, os.Exit(1) on failure) generalized to a git-style subcommand
// dispatch since this tool has several distinct operations rather than
// mkfs's one.
//
// No third-party CLI framework appears anywhere in the example pack, so
// subcommand flag parsing here uses the standard library's flag package
// directly (see DESIGN.md).
package main

import (
	"flag"
	"fmt"
	"os"

	"crpm/image"
	"crpm/internal/layout"
	"crpm/pool"
	"crpm/stats"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "checkpoint":
		err = runCheckpoint(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "roots":
		err = runRoots(os.Args[2:])
	case "diag":
		err = runDiag(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "crpmctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: crpmctl <command> [flags]

commands:
  create      create a new checkpointed image
  checkpoint  run one checkpoint round against an existing image
  stats       print an existing image's counters
  roots       list which root-table slots are set
  diag        write a pprof snapshot of an image's dirty state`)
}

func commonFlags(fs *flag.FlagSet) (path *string, engineName *string, capacity *int64) {
	path = fs.String("path", "", "backing image file")
	engineName = fs.String("engine", "instrumented", "engine: instrumented, mprotect, softdirty, undolog, noop")
	capacity = fs.Int64("capacity", 16*layout.SegmentSize, "usable heap size in bytes")
	return
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	path, engineName, capacity := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := pool.Open(pool.Options{
		EngineName: *engineName,
		Path:       *path,
		Capacity:   *capacity,
		Create:     true,
	})
	if err != nil {
		return err
	}
	defer p.Close()
	fmt.Printf("created %s (%s engine, %d bytes usable, %d blocks)\n", *path, *engineName, *capacity, p.NrBlocks())
	return nil
}

func openExisting(fs *flag.FlagSet, args []string) (*pool.Pool, error) {
	path, engineName, capacity := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *path == "" {
		return nil, fmt.Errorf("-path is required")
	}
	return pool.Open(pool.Options{EngineName: *engineName, Path: *path, Capacity: *capacity})
}

func runCheckpoint(args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	threads := fs.Int("threads", 1, "number of checkpoint participants")
	p, err := openExisting(fs, args)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Checkpoint(*threads); err != nil {
		return err
	}
	p.WaitForBackgroundTask()
	fmt.Printf("checkpoint committed (snapshot=%v, epoch=%d)\n", p.ExistSnapshot(), p.Epoch())
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	p, err := openExisting(fs, args)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Printf("blocks: %d total, %d free\n", p.NrBlocks(), p.NrFree())
	fmt.Printf("epoch: %d, snapshot: %v, attributes: %#x\n", p.Epoch(), p.ExistSnapshot(), p.Attributes())
	fmt.Print(stats.Report(p.Stats()))
	return nil
}

func runRoots(args []string) error {
	fs := flag.NewFlagSet("roots", flag.ExitOnError)
	p, err := openExisting(fs, args)
	if err != nil {
		return err
	}
	defer p.Close()

	set := 0
	for i := 0; i < image.NrRoots; i++ {
		if p.GetRoot(i) != nil {
			fmt.Printf("root[%d]: set\n", i)
			set++
		}
	}
	fmt.Printf("%d of %d root slots set\n", set, image.NrRoots)
	return nil
}

func runDiag(args []string) error {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	out := fs.String("out", "crpm.pb.gz", "output profile.proto path")
	p, err := openExisting(fs, args)
	if err != nil {
		return err
	}
	defer p.Close()

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := p.Diagnose().Write(f); err != nil {
		return err
	}
	fmt.Printf("wrote dirty-state profile to %s\n", *out)
	return nil
}
