// Package main implements the regex.scanner evidence plugin for TaskWarden.
// The scanner matches cited source ids as whole tokens against workspace
// file contents and compiles to WASM for sandboxed execution under the
// plugin host:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o regex_scanner.wasm .
//
// All workspace access goes through the capability-gated env imports; the
// module itself never touches the filesystem.
package main

// main is required for the build. The host drives the module through the
// scanner_scan and scanner_metadata exports instead.
func main() {}
