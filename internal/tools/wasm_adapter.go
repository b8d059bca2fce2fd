package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WASMAdapter invokes a tool implemented as a compiled WebAssembly
// module. Each source's metadata.module_path names the .wasm binary on
// disk; modules are compiled once and cached.
type WASMAdapter struct {
	Runtime       wazero.Runtime
	InvokeTimeout time.Duration

	mu      sync.Mutex
	modules map[string]wazero.CompiledModule
}

// NewWASMAdapter constructs an adapter backed by a fresh wazero runtime.
func NewWASMAdapter(ctx context.Context) *WASMAdapter {
	return &WASMAdapter{
		Runtime:       wazero.NewRuntime(ctx),
		InvokeTimeout: 30 * time.Second,
		modules:       make(map[string]wazero.CompiledModule),
	}
}

func (a *WASMAdapter) compiled(ctx context.Context, path string) (wazero.CompiledModule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.modules[path]; ok {
		return m, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	mod, err := a.Runtime.CompileModule(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	a.modules[path] = mod
	return mod, nil
}

func (a *WASMAdapter) Invoke(ctx context.Context, src Source, inv Invocation) Result {
	modulePath, _ := src.Metadata["module_path"].(string)
	if modulePath == "" {
		return Result{OK: false, Error: "missing_module_path"}
	}

	compiled, err := a.compiled(ctx, modulePath)
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}

	timeout := a.InvokeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	modConfig := wazero.NewModuleConfig().WithStdout(nil).WithStderr(nil)
	instance, err := a.Runtime.InstantiateModule(callCtx, compiled, modConfig)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("instantiate module: %v", err)}
	}
	defer instance.Close(callCtx)

	fn := instance.ExportedFunction(inv.ToolName)
	if fn == nil {
		return Result{OK: false, Error: "no_export"}
	}

	inputJSON, err := json.Marshal(inv.Input)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("encode input: %v", err)}
	}
	ptr, n, err := writeToMemory(callCtx, instance, inputJSON)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("write module memory: %v", err)}
	}

	results, err := fn.Call(callCtx, ptr, n)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("wasm fault: %v", err)}
	}
	if len(results) == 0 {
		return Result{OK: true, Output: nil}
	}
	return Result{OK: true, Output: results[0]}
}

// writeToMemory allocates space in the module's linear memory (via an
// exported "alloc" function, the wazero convention for passing
// variable-length data) and writes data into it.
func writeToMemory(ctx context.Context, mod api.Module, data []byte) (ptr, size uint64, err error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("module does not export alloc")
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, err
	}
	ptr = res[0]
	if !mod.Memory().Write(uint32(ptr), data) {
		return 0, 0, fmt.Errorf("memory write out of range")
	}
	return ptr, uint64(len(data)), nil
}
