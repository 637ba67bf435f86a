// Package main provides the entry point for tilemosi: it builds a chip
// from a simconfig.Config, drives a synthetic per-tile memory trace across
// one goroutine per simulated core (§5's thread-per-core model), and
// reports either a clean run or a protocol dump (§7) for a violation.
//
// Binary instrumentation of a real guest program, instruction decode, and
// register access are out of scope (spec §1); this driver stands in for
// the instrumented guest with an explicit load/store trace file.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sarchlab/tilemosi/addrhome"
	"github.com/sarchlab/tilemosi/cache"
	"github.com/sarchlab/tilemosi/coherence"
	"github.com/sarchlab/tilemosi/internal/protocoldump"
	"github.com/sarchlab/tilemosi/internal/simconfig"
	"github.com/sarchlab/tilemosi/tile"
)

var (
	configPath = flag.String("config", "", "Path to a simconfig YAML file (default: built-in two-tile demo)")
	tracePath  = flag.String("trace", "", "Path to a per-tile load/store trace file (required)")
	verbose    = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	if *tracePath == "" {
		fmt.Fprintf(os.Stderr, "Usage: tilemosi -trace <file> [options]\n\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	ops, err := loadTrace(*tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading trace: %v\n", err)
		os.Exit(1)
	}

	chip, err := buildChip(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building chip: %v\n", err)
		os.Exit(1)
	}

	code := run(chip, ops, *verbose)
	if code == 0 {
		// A protocol violation may leave other tiles permanently blocked
		// mid-transaction on an unresponsive peer; an orderly Close() in
		// that case could hang forever, so it is only attempted after a
		// clean run. The process exit below reclaims everything either way.
		chip.Close()
	}
	os.Exit(code)
}

func loadConfig(path string) (*simconfig.Config, error) {
	if path == "" {
		// Built-in two-tile demo: tile 0 homes [0, 1 MiB), tile 1 the next MiB.
		cfg := simconfig.Default()
		cfg.TotalCores = 2
		cfg.Boundaries = []simconfig.Boundary{
			{Base: 0, Limit: 0x100000, Tile: 0},
			{Base: 0x100000, Limit: 0x200000, Tile: 1},
		}
		return cfg, nil
	}
	return simconfig.Load(path)
}

func buildChip(cfg *simconfig.Config) (*tile.Chip, error) {
	bounds := make([]addrhome.Bound, len(cfg.Boundaries))
	for i, b := range cfg.Boundaries {
		bounds[i] = addrhome.Bound{Base: b.Base, Limit: b.Limit, Tile: b.Tile}
	}

	cacheCfg := cache.Config{
		LineSize:      cfg.LineSize,
		CacheSize:     cfg.DCache.CacheSize,
		Associativity: cfg.DCache.Associativity,
	}
	return tile.NewChip(cfg.TileIDs(), bounds, cacheCfg, cfg.LineSize)
}

// op is one line of a synthetic guest memory trace.
type op struct {
	tile    coherence.TileID
	isStore bool
	addr    uint64
	size    int
	data    []byte
}

// loadTrace parses a trace file: one "<tile> load|store <addr> <size>
// [hexdata]" instruction per line. Lines are grouped by tile and executed
// in file order on that tile's goroutine; §4.1 already guarantees no
// cross-segment atomicity, and nothing here promises cross-tile ordering
// beyond what the coherence protocol itself provides.
func loadTrace(path string) (map[coherence.TileID][]op, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ops := make(map[coherence.TileID][]op)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parsed, err := parseOp(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		ops[parsed.tile] = append(ops[parsed.tile], parsed)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ops, nil
}

func parseOp(line string) (op, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return op{}, fmt.Errorf("want `tile load|store addr size [hexdata]`, got %q", line)
	}

	tileN, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return op{}, fmt.Errorf("tile id: %w", err)
	}

	var isStore bool
	switch fields[1] {
	case "load":
		isStore = false
	case "store":
		isStore = true
	default:
		return op{}, fmt.Errorf("unknown operation %q", fields[1])
	}

	addr, err := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 64)
	if err != nil {
		return op{}, fmt.Errorf("address: %w", err)
	}

	size, err := strconv.Atoi(fields[3])
	if err != nil {
		return op{}, fmt.Errorf("size: %w", err)
	}

	o := op{tile: coherence.TileID(tileN), isStore: isStore, addr: addr, size: size}
	if isStore {
		if len(fields) < 5 {
			return op{}, fmt.Errorf("store requires hex-encoded data")
		}
		data, err := hex.DecodeString(fields[4])
		if err != nil {
			return op{}, fmt.Errorf("store data: %w", err)
		}
		if len(data) != size {
			return op{}, fmt.Errorf("store data is %d bytes, size says %d", len(data), size)
		}
		o.data = data
	}
	return o, nil
}

// run drives ops, one goroutine per tile, and returns the process exit
// code: 0 on a clean run, 1 if any tile's goroutine raised a protocol
// violation.
func run(chip *tile.Chip, ops map[coherence.TileID][]op, verbose bool) int {
	violations := make(chan *protocoldump.Violation, len(ops))
	done := make(chan coherence.TileID, len(ops))

	for id, tileOps := range ops {
		go runTile(chip, id, tileOps, verbose, violations, done)
	}

	running := len(ops)
	for running > 0 {
		select {
		case v := <-violations:
			fmt.Fprint(os.Stderr, buildReport(chip, v))
			return 1
		case <-done:
			running--
		}
	}

	if verbose {
		fmt.Println("tilemosi: run complete, no protocol violations")
	}
	return 0
}

func runTile(chip *tile.Chip, id coherence.TileID, ops []op, verbose bool, violations chan<- *protocoldump.Violation, done chan<- coherence.TileID) {
	defer func() {
		if r := recover(); r != nil {
			v, ok := r.(*protocoldump.Violation)
			if !ok {
				panic(r)
			}
			violations <- v
			return
		}
		done <- id
	}()

	t := chip.Tile(id)
	for _, o := range ops {
		if o.isStore {
			hit := t.Store(o.addr, o.size, o.data)
			if verbose {
				fmt.Printf("tile %d: store 0x%x (%d bytes) hit=%v\n", id, o.addr, o.size, hit)
			}
			continue
		}
		data, hit := t.Load(o.addr, o.size)
		if verbose {
			fmt.Printf("tile %d: load  0x%x (%d bytes) hit=%v data=%x\n", id, o.addr, o.size, hit, data)
		}
	}
}

func buildReport(chip *tile.Chip, v *protocoldump.Violation) string {
	cacheLines := make([]protocoldump.CacheLineState, 0, len(chip.Tiles))
	for _, t := range chip.Tiles {
		cacheLines = append(cacheLines, protocoldump.CacheLineState{Tile: t.ID, State: t.Cache.State(v.Address)})
	}

	var dirState *protocoldump.DirLineState
	if homeID, err := chip.Home.HomeOf(v.Address); err == nil {
		if home := chip.Tile(homeID); home != nil {
			dstate, sharers := home.Directory.State(v.Address)
			ids := make([]coherence.TileID, 0, len(sharers))
			for id := range sharers {
				ids = append(ids, id)
			}
			dirState = &protocoldump.DirLineState{Home: homeID, State: dstate, Sharers: ids}
		}
	}

	var pending []protocoldump.PendingTxn
	for _, t := range chip.Tiles {
		for _, txn := range t.Directory.PendingTransactions() {
			pending = append(pending, protocoldump.PendingTxn{
				ID: txn.ID.String(), Home: t.ID, Line: txn.Line, Requester: txn.Requester, Type: txn.Type,
			})
		}
	}

	return protocoldump.Report(v, cacheLines, dirState, pending)
}
