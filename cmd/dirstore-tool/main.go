// Command dirstore-tool is an offline bulk load/dump utility driving
// storage.ToolMode directly against either backend: no deadlock-retry
// loop, no entry cache, and (for the KV backend) no attribute index
// maintenance, mirroring OpenLDAP's slapcat/slapadd tool-mode access.
// The target database must not be open by a dirstored process while
// this tool runs against it.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
	"github.com/rcastellor/dirstore/pkg/storage"
	"github.com/rcastellor/dirstore/pkg/storage/fsbackend"
	"github.com/rcastellor/dirstore/pkg/storage/kv"
)

var (
	mode      = flag.String("mode", "", "Operation to perform: dump or load")
	backend   = flag.String("backend", "kv", "Storage backend: kv or fs")
	dataDir   = flag.String("data-dir", "", "Data directory holding the database or .ldif tree")
	suffixStr = flag.String("suffix", "", "Naming-context suffix DN, e.g. dc=example,dc=com")
	file      = flag.String("file", "", "Path to read (load) or write (dump) entry records")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := run(); err != nil {
		log.Fatalf("dirstore-tool: %v", err)
	}
}

func run() error {
	if *dataDir == "" {
		return fmt.Errorf("-data-dir is required")
	}
	if *suffixStr == "" {
		return fmt.Errorf("-suffix is required")
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}
	suffix, err := dn.Parse(*suffixStr)
	if err != nil {
		return fmt.Errorf("parsing -suffix %q: %w", *suffixStr, err)
	}

	cursor, closeFn, err := openToolMode(*backend, *dataDir, suffix)
	if err != nil {
		return err
	}
	defer closeFn()

	switch *mode {
	case "dump":
		return dump(cursor, *file)
	case "load":
		return load(cursor, *file)
	default:
		return fmt.Errorf("-mode must be \"dump\" or \"load\", got %q", *mode)
	}
}

func openToolMode(backendName, dataDir string, suffix dn.DN) (storage.ToolMode, func() error, error) {
	switch backendName {
	case "fs":
		b, err := fsbackend.Open(dataDir, suffix)
		if err != nil {
			return nil, nil, err
		}
		cursor := b.OpenToolMode()
		if err := cursor.Open(); err != nil {
			b.Close()
			return nil, nil, err
		}
		return cursor, func() error {
			cursor.Close()
			return b.Close()
		}, nil
	case "kv":
		dbPath := filepath.Join(dataDir, "dirstore.db")
		s, err := kv.Open(dbPath, suffix, kv.IndexedAttrs{}, 0, 0)
		if err != nil {
			return nil, nil, err
		}
		cursor := s.OpenToolMode()
		if err := cursor.Open(); err != nil {
			s.Close()
			return nil, nil, err
		}
		return cursor, func() error {
			cursor.Close()
			return s.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("-backend must be \"kv\" or \"fs\", got %q", backendName)
	}
}

// dump walks cursor in storage order, writing one blank-line-separated
// LDIF-style record per entry to path.
func dump(cursor storage.ToolMode, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %q: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	count := 0
	for e, ok, err := cursor.First(); ; e, ok, err = cursor.Next() {
		if err != nil {
			return fmt.Errorf("reading entry %d: %w", count, err)
		}
		if !ok {
			break
		}
		w.Write(entry.Marshal(e))
		w.WriteByte('\n')
		count++
	}
	log.Printf("dumped %d entries to %s", count, path)
	return w.Flush()
}

// load reads path's blank-line-separated records and writes each one
// back through cursor.Put. A bulk load does not populate the KV
// backend's attribute indexes; rebuilding them is a separate step.
func load(cursor storage.ToolMode, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %q: %w", path, err)
	}

	count := 0
	for i, record := range splitRecords(data) {
		e, err := entry.Unmarshal(record)
		if err != nil {
			return fmt.Errorf("parsing record %d: %w", i, err)
		}
		if err := cursor.Put(e); err != nil {
			return fmt.Errorf("loading %q: %w", e.DN.String(), err)
		}
		count++
	}
	log.Printf("loaded %d entries from %s", count, path)
	return nil
}

// splitRecords breaks data on blank lines into the individual
// entry.Marshal records dump wrote.
func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for _, chunk := range bytes.Split(data, []byte("\n\n")) {
		trimmed := bytes.TrimSpace(chunk)
		if len(trimmed) == 0 {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
