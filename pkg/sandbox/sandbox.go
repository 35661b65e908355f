// Package sandbox provides the wazero-sandboxed extension point for
// custom reducer/exporter plugins referenced by C5/C11 (spec.md §9's
// "typed extension points"). Plugins are WASI modules fetched by
// content hash from pkg/casstore and run with no filesystem or network
// access, deny-by-default.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/provara/provara/pkg/casstore"
)

// PluginRef identifies a custom reducer/exporter plugin by content hash.
type PluginRef struct {
	Name string
	Hash string
}

// Config restricts a plugin execution.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// DefaultConfig returns conservative limits suitable for a single
// reducer/exporter invocation over one event's canonical bytes.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: 32 * 1024 * 1024,
		CPUTimeLimit:     2 * time.Second,
	}
}

// OutputMaxBytes caps combined stdout+stderr from a plugin invocation.
const OutputMaxBytes = 1024 * 1024

// Sandbox runs a plugin against input bytes (canonical JSON of an
// event or a reducer state snapshot) and returns its stdout.
type Sandbox interface {
	Run(ctx context.Context, ref PluginRef, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// WasiSandbox confines plugin execution to a WASI module with no
// filesystem or network access.
type WasiSandbox struct {
	runtime wazero.Runtime
	blobs   casstore.Store
	config  Config
}

// New creates a WasiSandbox backed by blobs, the store plugins are
// content-addressed from.
func New(ctx context.Context, blobs casstore.Store, cfg Config) (*WasiSandbox, error) {
	rConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &WasiSandbox{runtime: r, blobs: blobs, config: cfg}, nil
}

// Run loads the plugin's WASM module from the blob store by ref.Hash,
// feeds input on stdin, and returns stdout. Deny-by-default: no
// filesystem preopens, no network.
func (s *WasiSandbox) Run(ctx context.Context, ref PluginRef, input []byte) ([]byte, error) {
	wasmBytes, err := s.blobs.Get(ctx, ref.Hash)
	if err != nil {
		return nil, fmt.Errorf("sandbox: load plugin %s (%s): %w", ref.Name, ref.Hash, err)
	}

	execCtx := ctx
	if s.config.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.config.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName(ref.Name)

	compiled, err := s.runtime.CompileModule(execCtx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile plugin %s: %w", ref.Name, err)
	}
	defer compiled.Close(execCtx)

	mod, err := s.runtime.InstantiateModule(execCtx, compiled, moduleConfig)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, &Error{Code: ErrTimeExhausted, Message: fmt.Sprintf("plugin %s exceeded time limit (%s)", ref.Name, s.config.CPUTimeLimit)}
		}
		if isMemoryError(err) {
			return nil, &Error{Code: ErrMemoryExhausted, Message: fmt.Sprintf("plugin %s exceeded memory limit (%d bytes)", ref.Name, s.config.MemoryLimitBytes)}
		}
		return nil, fmt.Errorf("sandbox: run plugin %s: %w", ref.Name, err)
	}
	defer mod.Close(execCtx)

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return nil, &Error{Code: ErrOutputExhausted, Message: fmt.Sprintf("plugin %s output exceeds %d bytes", ref.Name, OutputMaxBytes)}
	}

	return stdout.Bytes(), nil
}

// Close releases the underlying wazero runtime.
func (s *WasiSandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// Error codes for plugin confinement violations.
const (
	ErrTimeExhausted   = "ERR_SANDBOX_TIME_EXHAUSTED"
	ErrMemoryExhausted = "ERR_SANDBOX_MEMORY_EXHAUSTED"
	ErrOutputExhausted = "ERR_SANDBOX_OUTPUT_EXHAUSTED"
)

// Error is a typed error for sandbox limit violations.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
