// Command cannondb is a small interactive shell over a CannonDB
// database: get/put/del/stats/commit/checkpoint by line, for manual
// poking at a database file without writing a Go program.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	cannondb "github.com/SimonCqk/cannondb"
	"github.com/SimonCqk/cannondb/value"
)

func main() {
	path := flag.String("path", "./cannondb-data", "database base path (used as <path>.db and <path>.wal)")
	inMemory := flag.Bool("memory", false, "run against an in-memory database instead of path")
	pretty := flag.Bool("pretty", true, "pretty-print log output")
	flag.Parse()

	cfg := cannondb.DefaultConfig()
	cfg.InMemory = *inMemory

	log := cannondb.NewLogger(cannondb.LogConfig{Pretty: *pretty, Output: os.Stderr})

	db, err := cannondb.Open(*path, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("cannondb shell. commands: get <key> | put <key> <value> | over <key> <value> | putf <key> <float> | del <key> | commit | checkpoint | stats | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		cmd := fields[0]

		switch cmd {
		case "quit", "exit":
			return
		case "get":
			if len(fields) < 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			runGet(db, fields[1])
		case "put":
			if len(fields) < 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			runPut(db, fields[1], fields[2], false)
		case "over":
			if len(fields) < 3 {
				fmt.Println("usage: over <key> <value>")
				continue
			}
			runPut(db, fields[1], fields[2], true)
		case "putf":
			if len(fields) < 3 {
				fmt.Println("usage: putf <key> <float>")
				continue
			}
			runPutFloat(db, fields[1], fields[2])
		case "del":
			if len(fields) < 2 {
				fmt.Println("usage: del <key>")
				continue
			}
			runDel(db, fields[1])
		case "commit":
			if err := db.Commit(); err != nil {
				fmt.Println("error:", err)
			}
		case "checkpoint":
			if err := db.Checkpoint(); err != nil {
				fmt.Println("error:", err)
			}
		case "stats":
			s := db.Stats()
			fmt.Printf("page_size=%d high_water_mark=%d cached_pages=%d auto_commit=%v in_memory=%v\n",
				s.PageSize, s.HighWaterMark, s.CachedPages, s.AutoCommit, s.InMemory)
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

func runGet(db *cannondb.DB, key string) {
	v, err := db.Get(value.Text(key))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	printValue(v)
}

func runPut(db *cannondb.DB, key, val string, override bool) {
	if err := db.Insert(value.Text(key), value.Text(val), override); err != nil {
		fmt.Println("error:", err)
	}
}

func runPutFloat(db *cannondb.DB, key, rawFloat string) {
	f, err := strconv.ParseFloat(rawFloat, 64)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if err := db.Insert(value.Text(key), value.Float(f), true); err != nil {
		fmt.Println("error:", err)
	}
}

func runDel(db *cannondb.DB, key string) {
	if err := db.Remove(value.Text(key)); err != nil {
		fmt.Println("error:", err)
	}
}

func printValue(v value.Value) {
	switch v.Kind {
	case value.KindText:
		fmt.Println(v.Text)
	case value.KindInt:
		fmt.Println(v.Int)
	case value.KindFloat:
		fmt.Println(v.Float)
	default:
		fmt.Printf("%+v\n", v)
	}
}
