//go:build wasip1

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"unsafe"
)

// Host imports. Every workspace access is capability gated on the host
// side; a missing grant comes back as a JSON error envelope.

//go:wasmimport env workspace_list
func workspaceList(ptr, length uint32) uint64

//go:wasmimport env workspace_read
func workspaceRead(ptr, length uint32) uint64

//go:wasmimport env log_message
func logMessage(level, ptr, length uint32)

// allocations pins buffers handed across the ABI so the collector keeps
// them alive until free releases them. The host serializes guest calls,
// so no locking is needed.
var allocations = make(map[uint32][]byte)

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocations[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(allocations, ptr)
}

//go:wasmexport scanner_scan
func scannerScan(ptr, length uint32) uint64 {
	var req scanRequest
	if length > 0 {
		if err := json.Unmarshal(memoryView(ptr, length), &req); err != nil {
			return packJSON(&scanResponse{Error: fmt.Sprintf("invalid scan request: %v", err)})
		}
	}
	return packJSON(runScan(&req, hostWorkspace{}))
}

//go:wasmexport scanner_metadata
func scannerMetadata(ptr, length uint32) uint64 {
	return packJSON(scannerInfo())
}

// hostWorkspace backs the workspace interface with the env imports.
type hostWorkspace struct{}

func (hostWorkspace) List(subdir string) ([]string, error) {
	out, err := callHost(func(p, n uint32) uint64 { return workspaceList(p, n) }, []byte(subdir))
	if err != nil {
		return nil, err
	}
	var resp struct {
		Files []string `json:"files"`
		Error string   `json:"error"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("invalid workspace_list response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Files, nil
}

func (hostWorkspace) Read(path string) ([]byte, error) {
	out, err := callHost(func(p, n uint32) uint64 { return workspaceRead(p, n) }, []byte(path))
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data  []byte `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("invalid workspace_read response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

func (hostWorkspace) Log(level uint32, msg string) {
	if msg == "" {
		return
	}
	ptr := malloc(uint32(len(msg)))
	if ptr == 0 {
		return
	}
	copy(allocations[ptr], msg)
	logMessage(level, ptr, uint32(len(msg)))
	free(ptr)
}

// callHost sends a payload to a host function and returns the response
// bytes. The host writes its response through the guest allocator, so the
// returned buffer is copied out and freed here.
func callHost(fn func(ptr, length uint32) uint64, payload []byte) ([]byte, error) {
	var ptr, length uint32
	if len(payload) > 0 {
		ptr = malloc(uint32(len(payload)))
		if ptr == 0 {
			return nil, errors.New("out of memory")
		}
		copy(allocations[ptr], payload)
		length = uint32(len(payload))
		defer free(ptr)
	}

	out := consumeHostBuffer(fn(ptr, length))
	if out == nil {
		return nil, errors.New("host returned no response")
	}
	return out, nil
}

// consumeHostBuffer copies a packed ptr<<32|len response out of linear
// memory and frees the backing allocation.
func consumeHostBuffer(packed uint64) []byte {
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	if ptr == 0 || length == 0 {
		return nil
	}
	data := make([]byte, length)
	copy(data, memoryView(ptr, length))
	free(ptr)
	return data
}

// packJSON marshals v into guest memory and returns ptr<<32|len. The host
// frees the buffer after reading it.
func packJSON(v interface{}) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	ptr := malloc(uint32(len(data)))
	if ptr == 0 {
		return 0
	}
	copy(allocations[ptr], data)
	return uint64(ptr)<<32 | uint64(len(data))
}

// memoryView aliases a region of linear memory without copying.
func memoryView(ptr, length uint32) []byte {
	if ptr == 0 || length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}
