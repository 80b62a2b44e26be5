// hkv is a simple CLI for inspecting and managing hashdb files.
//
// Usage:
//
//	hkv <db-file>               Open an existing database (creates if absent)
//	hkv new [opts] <db-file>    Create a new database with explicit tuning
//
// Options for 'new' (defaults come from ~/.config/hkv/config.json and
// ./.hkv.json, written in HuJSON):
//
//	-a, --apow       Record alignment power
//	-f, --fpow       Free-block pool capacity power
//	-b, --bnum       Bucket count
//	-m, --msiz       Memory-map prefix length in bytes
//	-d, --dfunit     Auto-defragmentation unit
//	    --small      32-bit addressing
//	    --linear     Linear collision chains
//	    --compress   Per-record value compression
//
// Commands (in REPL):
//
//	set <key> <value>        Store a record
//	add <key> <value>        Store only if absent
//	replace <key> <value>    Store only if present
//	append <key> <value>     Concatenate to the record
//	get <key>                Retrieve a record
//	remove <key>             Delete a record
//	scan [limit]             List records in insertion order
//	count                    Number of records
//	size                     Logical file size
//	info                     Database status counters
//	stat                     File status on disk
//	defrag [step]            Defragment (no step: full pass)
//	begin [hard]             Begin a transaction
//	commit / abort           End the transaction
//	clear                    Remove all records
//	export <file>            Write a TSV snapshot atomically
//	bench <count>            Benchmark set+get performance
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	fileatomic "github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/hashkv/internal/fs"
	"github.com/calvinalkan/hashkv/pkg/hashdb"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()

		return errors.New("missing command or database file path")
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	cfg, err := LoadConfig(workDir)
	if err != nil {
		return err
	}

	if os.Args[1] == "new" {
		return runNew(cfg, os.Args[2:])
	}

	opts := optionsFromConfig(cfg)
	opts.Path = os.Args[1]
	opts.Mode = hashdb.OpenWriter | hashdb.OpenCreate

	db, err := hashdb.Open(opts)
	if err != nil {
		return err
	}

	defer func() { _ = db.Close() }()

	return repl(db)
}

func runNew(cfg Config, args []string) error {
	flags := flag.NewFlagSet("new", flag.ContinueOnError)

	apow := flags.IntP("apow", "a", cfg.APow, "record alignment power")
	fpow := flags.IntP("fpow", "f", cfg.FPow, "free-block pool power")
	bnum := flags.Int64P("bnum", "b", cfg.BNum, "bucket count")
	msiz := flags.Int64P("msiz", "m", cfg.MSiz, "memory-map prefix length")
	dfunit := flags.Int64P("dfunit", "d", cfg.DFUnit, "auto-defrag unit")
	small := flags.Bool("small", cfg.Small, "32-bit addressing")
	linear := flags.Bool("linear", cfg.Linear, "linear collision chains")
	compress := flags.Bool("compress", cfg.Compress, "per-record compression")

	err := flags.Parse(args)
	if err != nil {
		return err
	}

	if flags.NArg() != 1 {
		printUsage()

		return errors.New("'new' takes exactly one database file path")
	}

	var optBits uint8

	if *small {
		optBits |= hashdb.OptSmall
	}

	if *linear {
		optBits |= hashdb.OptLinear
	}

	if *compress {
		optBits |= hashdb.OptCompress
	}

	db, err := hashdb.Open(hashdb.Options{
		Path:   flags.Arg(0),
		Mode:   hashdb.OpenWriter | hashdb.OpenCreate | hashdb.OpenTruncate,
		APow:   *apow,
		FPow:   *fpow,
		BNum:   *bnum,
		MSiz:   *msiz,
		DFUnit: *dfunit,
		Opts:   optBits,
	})
	if err != nil {
		return err
	}

	defer func() { _ = db.Close() }()

	fmt.Printf("created %s\n", flags.Arg(0))

	return repl(db)
}

func optionsFromConfig(cfg Config) hashdb.Options {
	var optBits uint8

	if cfg.Small {
		optBits |= hashdb.OptSmall
	}

	if cfg.Linear {
		optBits |= hashdb.OptLinear
	}

	if cfg.Compress {
		optBits |= hashdb.OptCompress
	}

	return hashdb.Options{
		APow:   cfg.APow,
		FPow:   cfg.FPow,
		BNum:   cfg.BNum,
		MSiz:   cfg.MSiz,
		DFUnit: cfg.DFUnit,
		Opts:   optBits,
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  hkv <db-file>             open a database")
	fmt.Fprintln(os.Stderr, "  hkv new [opts] <db-file>  create a database")
}

// repl drives the interactive loop.
func repl(db *hashdb.DB) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("hkv> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		fields := strings.Fields(input)
		cmd, args := fields[0], fields[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			return nil
		}

		err = dispatch(db, cmd, args)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func dispatch(db *hashdb.DB, cmd string, args []string) error {
	switch cmd {
	case "set", "add", "replace", "append":
		return cmdStore(db, cmd, args)
	case "get":
		return cmdGet(db, args)
	case "remove", "del":
		return cmdRemove(db, args)
	case "scan":
		return cmdScan(db, args)
	case "count":
		count, err := db.Count()
		if err != nil {
			return err
		}

		fmt.Println(count)

		return nil
	case "size":
		size, err := db.Size()
		if err != nil {
			return err
		}

		fmt.Println(size)

		return nil
	case "info":
		return cmdInfo(db)
	case "stat":
		st, err := fs.Status(db.Path())
		if err != nil {
			return err
		}

		fmt.Printf("path      %s\nbytes     %d\nmodified  %s\n",
			st.Path, st.Size, st.MTime.Format(time.RFC3339))

		return nil
	case "defrag":
		return cmdDefrag(db, args)
	case "begin":
		hard := len(args) > 0 && args[0] == "hard"

		return db.BeginTransaction(hard)
	case "commit":
		return db.EndTransaction(true)
	case "abort":
		return db.EndTransaction(false)
	case "clear":
		return db.Clear()
	case "export":
		return cmdExport(db, args)
	case "bench":
		return cmdBench(db, args)
	case "help":
		printHelp()

		return nil
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func cmdStore(db *hashdb.DB, cmd string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <key> <value>", cmd)
	}

	key := []byte(args[0])
	value := []byte(strings.Join(args[1:], " "))

	switch cmd {
	case "set":
		return db.Set(key, value)
	case "add":
		return db.Add(key, value)
	case "replace":
		return db.Replace(key, value)
	default:
		return db.Append(key, value)
	}
}

func cmdGet(db *hashdb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}

	value, err := db.Get([]byte(args[0]))
	if err != nil {
		return err
	}

	fmt.Println(string(value))

	return nil
}

func cmdRemove(db *hashdb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: remove <key>")
	}

	return db.Remove([]byte(args[0]))
}

func cmdScan(db *hashdb.DB, args []string) error {
	limit := -1

	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad limit %q: %w", args[0], err)
		}

		limit = parsed
	}

	shown := 0

	err := db.Iterate(hashdb.VisitorFunc{
		Full: func(key, value []byte) hashdb.Decision {
			if limit < 0 || shown < limit {
				fmt.Printf("%s\t%s\n", key, value)
				shown++
			}

			return hashdb.Nop()
		},
	}, false)
	if err != nil {
		return err
	}

	fmt.Printf("(%d records)\n", shown)

	return nil
}

func cmdInfo(db *hashdb.DB) error {
	status, err := db.Status()
	if err != nil {
		return err
	}

	for _, name := range []string{
		"path", "count", "size", "realsize", "bnum",
		"apow", "fpow", "opts", "frgcnt", "fbpnum", "fatal",
	} {
		fmt.Printf("%-9s %s\n", name, status[name])
	}

	return nil
}

func cmdDefrag(db *hashdb.DB, args []string) error {
	step := int64(0)

	if len(args) > 0 {
		parsed, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad step %q: %w", args[0], err)
		}

		step = parsed
	}

	return db.Defrag(step)
}

// cmdExport writes all records as tab-separated lines through an atomic
// temp-file rename, so a crashed export never leaves a torn snapshot.
func cmdExport(db *hashdb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: export <file>")
	}

	var buf strings.Builder

	err := db.Iterate(hashdb.VisitorFunc{
		Full: func(key, value []byte) hashdb.Decision {
			buf.WriteString(string(key))
			buf.WriteByte('\t')
			buf.WriteString(string(value))
			buf.WriteByte('\n')

			return hashdb.Nop()
		},
	}, false)
	if err != nil {
		return err
	}

	err = fileatomic.WriteFile(args[0], strings.NewReader(buf.String()))
	if err != nil {
		return fmt.Errorf("writing export: %w", err)
	}

	fmt.Printf("exported to %s\n", args[0])

	return nil
}

func cmdBench(db *hashdb.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: bench <count>")
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		return fmt.Errorf("bad count %q", args[0])
	}

	start := time.Now()

	for i := range count {
		key := fmt.Sprintf("bench:%08d", i)

		setErr := db.Set([]byte(key), []byte(key))
		if setErr != nil {
			return setErr
		}
	}

	setDur := time.Since(start)
	start = time.Now()

	for i := range count {
		key := fmt.Sprintf("bench:%08d", i)

		_, getErr := db.Get([]byte(key))
		if getErr != nil {
			return getErr
		}
	}

	getDur := time.Since(start)

	fmt.Printf("set: %d ops in %v (%.0f/s)\n", count, setDur,
		float64(count)/setDur.Seconds())
	fmt.Printf("get: %d ops in %v (%.0f/s)\n", count, getDur,
		float64(count)/getDur.Seconds())

	return nil
}

func printHelp() {
	help := `Commands:
  set <key> <value>        Store a record
  add <key> <value>        Store only if absent
  replace <key> <value>    Store only if present
  append <key> <value>     Concatenate to the record
  get <key>                Retrieve a record
  remove <key>             Delete a record
  scan [limit]             List records in insertion order
  count                    Number of records
  size                     Logical file size
  info                     Database status counters
  stat                     File status on disk
  defrag [step]            Defragment (no step: full pass)
  begin [hard]             Begin a transaction
  commit / abort           End the transaction
  clear                    Remove all records
  export <file>            Write a TSV snapshot atomically
  bench <count>            Benchmark set+get performance
  exit                     Exit`

	w := bufio.NewWriter(os.Stdout)
	fmt.Fprintln(w, help)
	_ = w.Flush()
}
