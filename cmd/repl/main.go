// Command repl is an interactive shell over a triple store database: open
// or create one, insert/get/delete/scan triples by hand, and run
// find/where/optional/where-not queries against a snapshot.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ensotriple/internal/query"
	"ensotriple/internal/storage"
)

var (
	flagPath   = flag.String("db", "", "path to the database file (required)")
	flagCreate = flag.Bool("create", false, "create the database if it does not already exist")
)

func main() {
	flag.Parse()

	if *flagPath == "" {
		fmt.Fprintln(os.Stderr, "usage: repl -db path/to/triples.db [-create]")
		os.Exit(2)
	}

	open := storage.Open
	if *flagCreate {
		if _, err := os.Stat(*flagPath); err != nil {
			open = storage.Create
		}
	}

	db, err := open(*flagPath, storage.DefaultEngineConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "open error:", err)
		os.Exit(1)
	}
	defer db.Close()

	runREPL(db)
}

func runREPL(db *storage.Database) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 1024*1024)

	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}
	if interactive {
		fmt.Println("triple store shell. Type .help for commands, .quit to exit.")
	}

	for {
		if interactive {
			fmt.Print("triples> ")
		}
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := dispatch(db, line); err != nil {
			fmt.Fprintln(os.Stderr, "ERR:", err)
		}
	}
}

func dispatch(db *storage.Database, line string) error {
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case ".help":
		printHelp()
		return nil
	case ".quit", ".exit":
		os.Exit(0)
		return nil
	case ".checkpoint":
		return db.Checkpoint()
	case ".compact":
		result, err := db.Compact()
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d of %d pages\n", result.Reclaimed, result.TotalPages)
		return nil
	case ".gc":
		n, err := db.CollectGarbage(1000)
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d tombstones\n", n)
		return nil
	case "insert", "update":
		return cmdInsert(db, fields[1:])
	case "delete":
		return cmdDelete(db, fields[1:])
	case "get":
		return cmdGet(db, fields[1:])
	case "scan":
		return cmdScan(db, fields[1:])
	case "find":
		return cmdFind(db, fields[1:])
	default:
		return fmt.Errorf("unknown command %q (try .help)", fields[0])
	}
}

func printHelp() {
	fmt.Println(`commands:
  insert <entity> <attribute> <value>   upsert a triple (HLC auto-assigned)
  delete <entity> <attribute>           tombstone a triple
  get <entity> <attribute>              read a single triple
  scan <entity>                         list every attribute of an entity
  find <attribute>                      list every (entity, value) for an attribute
  .checkpoint                           force a WAL checkpoint
  .gc                                   sweep GC-eligible tombstones
  .compact                              reclaim orphaned pages
  .quit                                 exit

values are parsed as: true/false -> boolean, a number -> number, anything else -> string`)
}

func parseValue(s string) storage.TripleValue {
	switch strings.ToLower(s) {
	case "true":
		return storage.BooleanValue(true)
	case "false":
		return storage.BooleanValue(false)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return storage.NumberValue(n)
	}
	return storage.StringValue(s)
}

func formatValue(v storage.TripleValue) string {
	switch v.Type {
	case storage.ValueTypeNull:
		return "<null>"
	case storage.ValueTypeBoolean:
		return strconv.FormatBool(v.Bool)
	case storage.ValueTypeNumber:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	default:
		return v.Str
	}
}

func cmdInsert(db *storage.Database, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: insert <entity> <attribute> <value...>")
	}
	entity := storage.NameToEntityID(args[0])
	attr := storage.NameToAttributeID(args[1])
	value := parseValue(strings.Join(args[2:], " "))

	txn, err := db.BeginWrite()
	if err != nil {
		return err
	}
	accepted, current, err := txn.Insert(entity, attr, value, db.Clock().Tick())
	if err != nil {
		_ = txn.Abort()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	if !accepted {
		fmt.Printf("rejected: stored value is newer (%s)\n", formatValue(current.Value))
		return nil
	}
	fmt.Println("ok")
	return nil
}

func cmdDelete(db *storage.Database, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: delete <entity> <attribute>")
	}
	entity := storage.NameToEntityID(args[0])
	attr := storage.NameToAttributeID(args[1])

	txn, err := db.BeginWrite()
	if err != nil {
		return err
	}
	if err := txn.Delete(entity, attr); err != nil {
		_ = txn.Abort()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func cmdGet(db *storage.Database, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: get <entity> <attribute>")
	}
	snap, err := db.BeginReadOnly()
	if err != nil {
		return err
	}
	defer releaseSnapshot(db, snap)

	entity := storage.NameToEntityID(args[0])
	attr := storage.NameToAttributeID(args[1])
	rec, found, err := snap.Get(entity, attr)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("(not found)")
		return nil
	}
	fmt.Println(formatValue(rec.Value))
	return nil
}

func cmdScan(db *storage.Database, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: scan <entity>")
	}
	snap, err := db.BeginReadOnly()
	if err != nil {
		return err
	}
	defer releaseSnapshot(db, snap)

	recs, err := snap.ScanEntity(storage.NameToEntityID(args[0]))
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Printf("%s\t%s\n", strings.TrimRight(string(rec.AttributeID[:]), "\x00"), formatValue(rec.Value))
	}
	return nil
}

func cmdFind(db *storage.Database, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: find <attribute>")
	}
	snap, err := db.BeginReadOnly()
	if err != nil {
		return err
	}
	defer releaseSnapshot(db, snap)

	attr := storage.NameToAttributeID(args[0])
	eng := query.NewEngine(snap)
	q := query.NewQuery().FindVar("e").FindVar("v").
		Where(query.NewPattern(query.VarElem("e"), query.AttributeElem(attr), query.VarElem("v")))

	result, err := eng.Execute(q)
	if err != nil {
		return err
	}
	for _, row := range result.Rows {
		entity := "?"
		if row[0] != nil {
			entity = strings.TrimRight(string(row[0].Entity[:]), "\x00")
		}
		value := "?"
		if row[1] != nil {
			value = formatValue(row[1].Value)
		}
		fmt.Printf("%s\t%s\n", entity, value)
	}
	return nil
}

func releaseSnapshot(db *storage.Database, snap *storage.Snapshot) {
	txn, _ := snap.Close()
	db.ReleaseSnapshot(txn)
}
