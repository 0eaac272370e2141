// Package adapters holds the loader's external-format collaborators
// that sit outside the executive's core: the `.sym` sidecar loader,
// a disassembler facade, and the stdio fan-out bridging the mailbox
// targets that task stdio syscalls write to onto host stdio (§6). None of this touches scheduling
// or SVC semantics directly.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sync/semaphore"
)

// mmapThreshold is the file size above which SymbolTable.Load maps the
// sidecar instead of reading it into a []byte, following
// saferwall-pe's File.New (mmap.Map over os.Open rather than
// ReadFile) generalized from a binary PE parse to a JSON sidecar.
const mmapThreshold = 1 << 20 // 1 MiB

// symbolLoadSem bounds how many `.sym` sidecars (up to 10 MiB each) can
// be read or mmap'd concurrently, so a burst of sym.load RPCs against
// large symbol files doesn't pile up disk I/O.
var symbolLoadSem = semaphore.NewWeighted(4)

// maxSymbolFileBytes is §5's resource cap on a loaded `.sym` sidecar.
const maxSymbolFileBytes = 10 * 1024 * 1024

// Symbol is one named address in a `.sym` sidecar's symbols[] array.
type Symbol struct {
	Name    string `json:"name"`
	Address uint32 `json:"address"`
	Type    string `json:"type,omitempty"` // "code" | "data" | "value" | "command"
}

// LineEntry maps a PC range back to a source line, for `disasm`/`stack`
// annotation.
type LineEntry struct {
	Address uint32 `json:"address"`
	File    string `json:"file"`
	Line    int    `json:"line"`
}

// SymbolTable is one task's fully decoded `.sym` sidecar (§6: "version,
// symbols[], lines[]").
type SymbolTable struct {
	Version int         `json:"version"`
	Symbols []Symbol    `json:"symbols"`
	Lines   []LineEntry `json:"lines"`

	byAddr map[uint32]string
	byName map[string]uint32
}

// LoadSymbolTable reads and decodes the `.sym` sidecar at path. Files
// at or above mmapThreshold are memory-mapped read-only rather than
// slurped, matching the teacher pack's mmap-go usage for large
// read-mostly files; smaller ones are read directly since the mapping
// overhead would dominate.
func LoadSymbolTable(path string) (*SymbolTable, error) {
	if err := symbolLoadSem.Acquire(context.Background(), 1); err != nil {
		return nil, fmt.Errorf("adapters: %w", err)
	}
	defer symbolLoadSem.Release(1)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("adapters: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("adapters: stat %s: %w", path, err)
	}
	if info.Size() > maxSymbolFileBytes {
		return nil, fmt.Errorf("adapters: %s exceeds %d byte symbol file cap", path, maxSymbolFileBytes)
	}

	var raw []byte
	if info.Size() >= mmapThreshold {
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("adapters: mmap %s: %w", path, err)
		}
		defer m.Unmap()
		raw = m
	} else {
		raw = make([]byte, info.Size())
		if _, err := f.ReadAt(raw, 0); err != nil {
			return nil, fmt.Errorf("adapters: read %s: %w", path, err)
		}
	}

	var st SymbolTable
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("adapters: parse %s: %w", path, err)
	}
	st.index()
	return &st, nil
}

func (st *SymbolTable) index() {
	st.byAddr = make(map[uint32]string, len(st.Symbols))
	st.byName = make(map[string]uint32, len(st.Symbols))
	for _, s := range st.Symbols {
		st.byAddr[s.Address] = s.Name
		st.byName[s.Name] = s.Address
	}
}

// Resolve returns the symbol name at addr, if any.
func (st *SymbolTable) Resolve(addr uint32) (string, bool) {
	if st == nil {
		return "", false
	}
	name, ok := st.byAddr[addr]
	return name, ok
}

// Lookup returns the address bound to name, if any (`sym{op:"lookup"}`).
func (st *SymbolTable) Lookup(name string) (uint32, bool) {
	if st == nil {
		return 0, false
	}
	addr, ok := st.byName[name]
	return addr, ok
}

// LineFor returns the source line entry covering addr, the nearest
// entry at or below it, for `stack`/`disasm` annotation.
func (st *SymbolTable) LineFor(addr uint32) (LineEntry, bool) {
	if st == nil || len(st.Lines) == 0 {
		return LineEntry{}, false
	}
	best := LineEntry{}
	found := false
	for _, l := range st.Lines {
		if l.Address <= addr && (!found || l.Address > best.Address) {
			best = l
			found = true
		}
	}
	return best, found
}
