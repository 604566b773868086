// falloccli is a simple CLI for interacting with falloc stores.
//
// Usage:
//
//	falloccli open [opts] <data-file> <meta-file>    Open an existing store
//	falloccli create [opts] <data-file> <meta-file>  Create a new store
//
// Options:
//
//	-c, --cache-period-ms   Cache flush period in milliseconds (default: 500)
//	-b, --block-size        Block size in bytes, create only (default: 4096)
//
// Commands (in REPL):
//
//	get <key>                 Retrieve a value
//	set <key> <value>         Insert or overwrite a value
//	rm <key>                  Logically delete a key (alias for 'set <key>' with no value)
//	paths [prefix]            List direct children of prefix
//	all-paths [prefix]        List every key under prefix
//	rm-substructure <prefix>  Delete every key under prefix, keeping prefix itself
//	sync                      Flush dirty cache entries to the data file
//	save                      Sync, then snapshot metadata and fsync the data file
//	stats                     Show allocator statistics
//	export <file>             Write every key/value as YAML to file
//	help                      Show this help
//	exit / quit / q           Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dkvstore/falloc/internal/falloc"
	"github.com/dkvstore/falloc/pkg/fsio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return errors.New("missing command")
	}

	switch os.Args[1] {
	case "create":
		return runCreate(os.Args[2:])
	case "open":
		return runOpen(os.Args[2:])
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  falloccli create [opts] <data-file> <meta-file>   Create a new store\n")
	fmt.Fprintf(os.Stderr, "  falloccli open [opts] <data-file> <meta-file>     Open an existing store\n")
	fmt.Fprintf(os.Stderr, "\nRun 'falloccli create --help' or 'falloccli open --help' for options.\n")
}

func runCreate(args []string) error {
	fs := pflag.NewFlagSet("create", pflag.ExitOnError)

	cachePeriodMs := fs.Int64P("cache-period-ms", "c", 500, "cache flush period in milliseconds")
	blockSize := fs.Uint64P("block-size", "b", 4096, "block size in bytes")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: falloccli create [options] <data-file> <meta-file>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("missing data-file and/or meta-file")
	}

	dataPath, metaPath := fs.Arg(0), fs.Arg(1)

	store, err := falloc.Create(fsio.NewReal(), dataPath, metaPath, *cachePeriodMs, *blockSize)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Shutdown() //nolint:errcheck // best-effort on REPL exit path

	fmt.Printf("Created store %s (block_size=%d, cache_period_ms=%d)\n", dataPath, *blockSize, *cachePeriodMs)

	repl := &REPL{store: store}

	return repl.Run()
}

func runOpen(args []string) error {
	fs := pflag.NewFlagSet("open", pflag.ExitOnError)

	cachePeriodMs := fs.Int64P("cache-period-ms", "c", 500, "cache flush period in milliseconds")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: falloccli open [options] <data-file> <meta-file>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("missing data-file and/or meta-file")
	}

	dataPath, metaPath := fs.Arg(0), fs.Arg(1)

	store, err := falloc.Open(fsio.NewReal(), dataPath, metaPath, *cachePeriodMs)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Shutdown() //nolint:errcheck // best-effort on REPL exit path

	fmt.Printf("Opened store %s\n", dataPath)

	repl := &REPL{store: store}

	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	store *falloc.FAlloc
	liner *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".falloccli_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("falloccli - falloc store CLI")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("falloc> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "get":
			r.cmdGet(args)

		case "set":
			r.cmdSet(args)

		case "rm", "delete":
			r.cmdRm(args)

		case "paths", "ls":
			r.cmdPaths(args)

		case "all-paths":
			r.cmdAllPaths(args)

		case "rm-substructure":
			r.cmdRmSubstructure(args)

		case "sync":
			r.cmdSync()

		case "save":
			r.cmdSave()

		case "stats":
			r.cmdStats()

		case "export":
			r.cmdExport(args)

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"get", "set", "rm", "delete",
		"paths", "ls", "all-paths", "rm-substructure",
		"sync", "save", "stats", "export",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <key>                 Retrieve a value")
	fmt.Println("  set <key> <value>         Insert or overwrite a value")
	fmt.Println("  rm <key>                  Logically delete a key")
	fmt.Println("  paths [prefix]            List direct children of prefix")
	fmt.Println("  all-paths [prefix]        List every key under prefix")
	fmt.Println("  rm-substructure <prefix>  Delete every key under prefix")
	fmt.Println("  sync                      Flush dirty cache entries")
	fmt.Println("  save                      Sync + metadata snapshot + fsync")
	fmt.Println("  stats                     Show allocator statistics")
	fmt.Println("  export <file>             Write every key/value as YAML")
	fmt.Println("  help                      Show this help")
	fmt.Println("  exit / quit / q           Exit")
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}

	data, ok, err := r.store.Get(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if !ok {
		fmt.Println("(not found)")
		return
	}

	fmt.Printf("%s\n", data)
}

func (r *REPL) cmdSet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: set <key> <value>")
		return
	}

	key := args[0]
	value := strings.Join(args[1:], " ")

	if err := r.store.Set(key, []byte(value)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("OK: staged set %s (call 'sync' or 'save' to persist)\n", key)
}

func (r *REPL) cmdRm(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rm <key>")
		return
	}

	if err := r.store.Set(args[0], nil); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("OK: staged delete of %s (call 'sync' or 'save' to persist)\n", args[0])
}

func (r *REPL) cmdPaths(args []string) {
	var prefix string
	if len(args) >= 1 {
		prefix = args[0]
	}

	paths, err := r.store.Paths(prefix)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	printPathList(paths)
}

func (r *REPL) cmdAllPaths(args []string) {
	var prefix string
	if len(args) >= 1 {
		prefix = args[0]
	}

	paths, err := r.store.AllPaths(prefix)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	printPathList(paths)
}

func printPathList(paths []string) {
	if len(paths) == 0 {
		fmt.Println("(empty)")
		return
	}

	for i, p := range paths {
		fmt.Printf("%3d. %s\n", i+1, p)
	}
}

func (r *REPL) cmdRmSubstructure(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rm-substructure <prefix>")
		return
	}

	if err := r.store.DeleteSubstructure(args[0]); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("OK: staged deletion of everything under %s (call 'sync' or 'save' to persist)\n", args[0])
}

func (r *REPL) cmdSync() {
	if err := r.store.Sync(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("OK: synced")
}

func (r *REPL) cmdSave() {
	if err := r.store.Save(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("OK: saved")
}

func (r *REPL) cmdStats() {
	stats, err := r.store.Stats()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Block size:      %d bytes\n", stats.BlockSize)
	fmt.Printf("Blocks reserved: %d\n", stats.BlocksReserved)
	fmt.Printf("Keys:            %d\n", stats.Keys)
	fmt.Printf("Free extents:    %d\n", stats.FreeExtents)
	fmt.Printf("Free bytes:      %d\n", stats.FreeBytes)
}

func (r *REPL) cmdExport(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: export <file>")
		return
	}

	keys, err := r.store.AllPaths("")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	out := make(map[string]string, len(keys))

	for _, key := range keys {
		data, ok, err := r.store.Get(key)
		if err != nil {
			fmt.Printf("Error reading %s: %v\n", key, err)
			return
		}

		if ok {
			out[key] = string(data)
		}
	}

	encoded, err := yaml.Marshal(out)
	if err != nil {
		fmt.Printf("Error encoding YAML: %v\n", err)
		return
	}

	if err := os.WriteFile(args[0], encoded, 0o600); err != nil {
		fmt.Printf("Error writing %s: %v\n", args[0], err)
		return
	}

	fmt.Printf("OK: exported %d keys to %s\n", len(out), args[0])
}
