package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// bridge wraps the functions a scanner guest must export.
type bridge struct {
	module api.Module
	memory api.Memory

	// malloc and free are the guest's allocator, used for payload exchange.
	malloc api.Function
	free   api.Function

	// scan is the guest's scanner_scan entry point.
	scan api.Function

	// metadata is the guest's scanner_metadata entry point.
	metadata api.Function

	// timeout bounds a single guest call.
	timeout time.Duration
}

func newBridge(module api.Module, timeout time.Duration) (*bridge, error) {
	b := &bridge{
		module:  module,
		timeout: timeout,
	}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("wasm module does not export memory")
	}

	b.malloc = module.ExportedFunction("malloc")
	if b.malloc == nil {
		return nil, fmt.Errorf("wasm module does not export malloc")
	}

	b.free = module.ExportedFunction("free")
	if b.free == nil {
		return nil, fmt.Errorf("wasm module does not export free")
	}

	b.scan = module.ExportedFunction("scanner_scan")
	if b.scan == nil {
		return nil, fmt.Errorf("wasm module does not export scanner_scan")
	}

	b.metadata = module.ExportedFunction("scanner_metadata")
	if b.metadata == nil {
		return nil, fmt.Errorf("wasm module does not export scanner_metadata")
	}

	return b, nil
}

// call invokes a guest function with a JSON payload and returns the JSON
// response. Guest signature: fn(ptr, len u32) -> u64 packed as ptr<<32|len,
// with the output buffer allocated by the guest's malloc.
func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))

		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to wasm memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("wasm call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("wasm call returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from wasm memory")
	}

	// Copy before freeing: Read returns a view into guest memory.
	result := make([]byte, len(output))
	copy(result, output)
	_ = b.deallocate(ctx, outputPtr)

	return result, nil
}

// allocate reserves guest memory through the guest's own malloc.
func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
