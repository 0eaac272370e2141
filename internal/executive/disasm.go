package executive

import (
	"fmt"

	"github.com/hanseinar/hsx/internal/adapters"
)

// symbolTables holds one loaded `.sym` sidecar per PID, populated by
// AttachSymbols (the control plane's load RPC calls this after
// LoadImage when a `.sym` file sits beside the image, and
// sym{op:"load"} calls it explicitly) and consulted by
// Disassemble/ResolveSymbol/LookupSymbol.
type symbolTables map[PID]*adapters.SymbolTable

// AttachSymbols loads the `.sym` sidecar at path and associates it
// with pid's task, for later disasm/sym RPCs (§6).
func (e *Executive) AttachSymbols(pid PID, path string) error {
	st, err := adapters.LoadSymbolTable(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.symbols == nil {
		e.symbols = make(symbolTables)
	}
	e.symbols[pid] = st
	return nil
}

// Disassemble implements `disasm{pid, addr, count}` (§6), annotating
// with pid's symbol table when one has been attached.
func (e *Executive) Disassemble(pid PID, addr uint32, count int) ([]adapters.Line, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return nil, fmt.Errorf("executive: no such pid %d", pid)
	}
	return adapters.Disassemble(t.mem, addr, count, e.symbols[pid]), nil
}

// ResolveSymbol implements `sym{pid, op:"resolve", addr}`.
func (e *Executive) ResolveSymbol(pid PID, addr uint32) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[pid]
	if !ok {
		return "", false
	}
	return st.Resolve(addr)
}

// LookupSymbol implements `sym{pid, op:"lookup", name}`.
func (e *Executive) LookupSymbol(pid PID, name string) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[pid]
	if !ok {
		return 0, false
	}
	return st.Lookup(name)
}
