// Command mapctl manages the maps held in the circuitd map store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/signalsfoundry/circuitworld/internal/config"
	"github.com/signalsfoundry/circuitworld/internal/logging"
	"github.com/signalsfoundry/circuitworld/internal/mapfile"
	"github.com/signalsfoundry/circuitworld/internal/mapstore"
)

const usage = `usage: mapctl [flags] <command> [args]

commands:
  list                 list stored maps
  get <name>           print a stored map as JSON
  put <file>...        validate map files and store them
  delete <name>...     remove stored maps
  import <dir>         store every *.json map in dir
  export <dir>         write every stored map to dir
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mapctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "YAML config supplying maps.store_path")
	storePath := fs.String("store", "", "map store path (overrides the config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "mapctl: %v\n", err)
		return 2
	}
	if *storePath != "" {
		cfg.Maps.StorePath = *storePath
	}
	if cfg.Maps.StorePath == "" {
		fmt.Fprintln(stderr, "mapctl: no map store configured")
		return 2
	}

	log := logging.New(logging.ConfigFromEnv(logging.Config{Level: "warn", Format: "text", Output: stderr}))
	store, err := mapstore.Open(cfg.Maps.StorePath, mapstore.WithLogger(log))
	if err != nil {
		fmt.Fprintf(stderr, "mapctl: %v\n", err)
		return 1
	}
	defer store.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if err := dispatch(ctx, store, cmd, rest, stdout); err != nil {
		fmt.Fprintf(stderr, "mapctl %s: %v\n", cmd, err)
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 2
		}
		return 1
	}
	return 0
}

var errUsage = errors.New("bad arguments")

func dispatch(ctx context.Context, store *mapstore.Store, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "list":
		return list(ctx, store, out)
	case "get":
		if len(args) != 1 {
			return errUsage
		}
		m, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		data, err := mapfile.Encode(m)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	case "put":
		if len(args) == 0 {
			return errUsage
		}
		var errs []error
		for _, path := range args {
			m, err := mapfile.LoadFile(path)
			if err == nil {
				err = store.Put(ctx, m)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			fmt.Fprintf(out, "stored %s (%d sprites)\n", m.Name, len(m.Sprites))
		}
		return errors.Join(errs...)
	case "delete":
		if len(args) == 0 {
			return errUsage
		}
		var errs []error
		for _, name := range args {
			if err := store.Delete(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			fmt.Fprintf(out, "deleted %s\n", name)
		}
		return errors.Join(errs...)
	case "import":
		if len(args) != 1 {
			return errUsage
		}
		maps, loadErr := mapfile.LoadDir(args[0])
		var errs []error
		if loadErr != nil {
			errs = append(errs, loadErr)
		}
		for _, m := range maps {
			if err := store.Put(ctx, m); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
				continue
			}
			fmt.Fprintf(out, "stored %s (%d sprites)\n", m.Name, len(m.Sprites))
		}
		return errors.Join(errs...)
	case "export":
		if len(args) != 1 {
			return errUsage
		}
		maps, err := store.LoadAll(ctx)
		if err != nil {
			return err
		}
		for _, m := range maps {
			path, err := mapfile.WriteFile(args[0], m)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", path)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func list(ctx context.Context, store *mapstore.Store, out io.Writer) error {
	sums, err := store.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSPRITES\tUPDATED")
	for _, s := range sums {
		updated := time.UnixMilli(s.UpdatedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.Sprites, updated)
	}
	return tw.Flush()
}
