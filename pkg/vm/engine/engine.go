// Package engine is the WASM execution boundary: it compiles and runs
// actor code, and otherwise knows nothing about gas, state, or the
// Filecoin data model. Everything on the other side of this package
// talks to it only through Invoke.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostModule is the set of host functions a kernel exposes to guest
// code, keyed by the wasm import module name the guest declares (the
// capability groups of pkg/vm/kernel: "ipld", "send", "self", "actor",
// "crypto", "rand", "gas", "event", "debug", "network", "message").
type HostModule struct {
	Name      string
	Functions map[string]api.GoModuleFunction
}

// Engine compiles and runs actor WASM code. Compiled modules are
// cached by code CID so repeated invocations of the same actor code
// within a process lifetime skip recompilation, mirroring the module
// cache venus's FvmExtern keeps around the cgo boundary.
type Engine struct {
	runtime wazero.Runtime
	cache   *lru.Cache[cid.Cid, wazero.CompiledModule]
	mu      sync.Mutex
}

// New builds an engine with a module cache holding up to cacheSize
// compiled modules.
func New(ctx context.Context, cacheSize int) (*Engine, error) {
	rt := wazero.NewRuntime(ctx)
	cache, err := lru.New[cid.Cid, wazero.CompiledModule](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: building module cache: %w", err)
	}
	return &Engine{runtime: rt, cache: cache}, nil
}

// Close releases every resource the underlying wazero runtime holds,
// including all cached compiled modules.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// loadModule compiles code under codeCID, reusing a cached compilation
// when present.
func (e *Engine) loadModule(ctx context.Context, codeCID cid.Cid, code []byte) (wazero.CompiledModule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.cache.Get(codeCID); ok {
		return m, nil
	}
	m, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("engine: compiling actor code %s: %w", codeCID, err)
	}
	e.cache.Add(codeCID, m)
	return m, nil
}

// Invocation is a single actor entry-point call: the compiled module,
// its instantiated instance, and the params/method framing the kernel
// uses to drive it.
type Invocation struct {
	module api.Module
}

// Instantiate links hostModules into a fresh instance of the actor
// code at codeCID and returns the running instance. Each invocation
// gets its own module instance so that nested sends (re-entrant calls
// into the same actor code) never share mutable linear memory.
func (e *Engine) Instantiate(ctx context.Context, codeCID cid.Cid, code []byte, hostModules []HostModule) (*Invocation, error) {
	compiled, err := e.loadModule(ctx, codeCID, code)
	if err != nil {
		return nil, err
	}

	for _, hm := range hostModules {
		builder := e.runtime.NewHostModuleBuilder(hm.Name)
		for name, fn := range hm.Functions {
			builder = builder.NewFunctionBuilder().WithGoModuleFunction(fn, nil, nil).Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return nil, fmt.Errorf("engine: instantiating host module %q: %w", hm.Name, err)
		}
	}

	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("engine: instantiating actor code %s: %w", codeCID, err)
	}
	return &Invocation{module: mod}, nil
}

// Invoke calls the guest's exported invoke entry point with the
// method number and parameter block offset/length already written into
// guest memory by the caller, returning the raw i32 results the
// calling convention defines.
func (inv *Invocation) Invoke(ctx context.Context, method uint64, paramsPtr, paramsLen uint32) ([]uint64, error) {
	fn := inv.module.ExportedFunction("invoke")
	if fn == nil {
		return nil, fmt.Errorf("engine: actor code does not export \"invoke\"")
	}
	return fn.Call(ctx, method, uint64(paramsPtr), uint64(paramsLen))
}

// Memory returns the guest's exported linear memory, used by the
// syscall binding layer to read/write parameter and return blocks.
func (inv *Invocation) Memory() api.Memory {
	return inv.module.Memory()
}

// Close tears down the instantiated module (and its host-module
// imports) without affecting the compiled-module cache.
func (inv *Invocation) Close(ctx context.Context) error {
	return inv.module.Close(ctx)
}
