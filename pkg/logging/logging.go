// Package logging is pith's process-wide structured logger façade. It wraps
// a zap.SugaredLogger so callers log component + message + fields without
// touching zap's field-builder API directly.
package logging

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	base   *zap.SugaredLogger
	fields = map[string]interface{}{}

	auditMu   sync.Mutex
	auditFile *os.File
)

func init() {
	base = mustDefault()
}

func mustDefault() *zap.SugaredLogger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(os.Stderr), zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

// Configure points the logger at dir/pith.log in addition to stderr, and
// sets the minimum level. Called once at startup from cmd/pith.
func Configure(dir string, debug bool) error {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stderr), level),
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(dir+"/pith.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), level))

		af, err := os.OpenFile(dir+"/audit.jsonl", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		auditMu.Lock()
		auditFile = af
		auditMu.Unlock()
	}

	mu.Lock()
	base = zap.New(zapcore.NewTee(cores...)).Sugar()
	mu.Unlock()
	return nil
}

func flatten(component string, f map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, 2+2*len(f))
	out = append(out, "component", component)
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// DebugCF logs a debug-level message tagged with component and fields.
func DebugCF(component, msg string, f map[string]interface{}) {
	logger().Debugw(msg, flatten(component, f)...)
}

// InfoCF logs an info-level message tagged with component and fields.
func InfoCF(component, msg string, f map[string]interface{}) {
	logger().Infow(msg, flatten(component, f)...)
}

// WarnCF logs a warn-level message tagged with component and fields.
func WarnCF(component, msg string, f map[string]interface{}) {
	logger().Warnw(msg, flatten(component, f)...)
}

// ErrorCF logs an error-level message tagged with component and fields.
func ErrorCF(component, msg string, f map[string]interface{}) {
	logger().Errorw(msg, flatten(component, f)...)
}

// Sync flushes any buffered log entries. Best-effort; stderr sync errors on
// some platforms are expected and ignored.
func Sync() {
	_ = logger().Sync()
}

// Audit appends one JSON object to <log_dir>/audit.jsonl with a stable
// {ts, kind, ...fields} schema, per the external-interfaces audit event
// contract (kinds: turn, tool_call, memory_retrieval, profile_update,
// extension_reload). A no-op before Configure has opened the file (e.g.
// under test), so callers never need to guard the call themselves.
func Audit(kind string, f map[string]interface{}) {
	auditMu.Lock()
	af := auditFile
	auditMu.Unlock()
	if af == nil {
		return
	}
	rec := make(map[string]interface{}, len(f)+2)
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["kind"] = kind
	for k, v := range f {
		rec[k] = v
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	b = append(b, '\n')
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		_, _ = auditFile.Write(b)
	}
}
