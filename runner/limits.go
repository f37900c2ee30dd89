package runner

import (
	"os"
	"strconv"
	"time"
)

// Environment variables understood by the entrypoint
const (
	EnvLanguage         = "SANDBOX_LANGUAGE"
	EnvSubmissionID     = "SANDBOX_SUBMISSION_ID"
	EnvTimeLimitMs      = "SANDBOX_TIME_LIMIT_MS"
	EnvCompileTimeoutMs = "SANDBOX_COMPILE_TIME_LIMIT_MS"
	EnvMemoryMB         = "SANDBOX_MEMORY_MB"
	EnvMaxOutputBytes   = "SANDBOX_MAX_OUTPUT_BYTES"
	EnvResultPath       = "SANDBOX_RESULT_PATH"
	EnvStdin            = "SANDBOX_STDIN"
	EnvNetwork          = "SANDBOX_NETWORK"
	EnvWorkDir          = "SANDBOX_WORKDIR"
	EnvGraceMs          = "SANDBOX_GRACE_MS"
	EnvCatalog          = "SANDBOX_CATALOG"
)

// Default budgets used when the orchestrator passes none
const (
	DefaultTimeLimit      = 5 * time.Second
	DefaultCompileTimeout = 30 * time.Second
	DefaultMemoryMB       = 256
	DefaultMaxOutput      = 1024 * 1024
	DefaultGrace          = 2 * time.Second
)

// Limits are the budgets applied to one submission
type Limits struct {
	Time        time.Duration
	CompileTime time.Duration
	MemoryMB    int
	MaxOutput   int
	Grace       time.Duration
}

// DefaultLimits returns the budgets used when nothing is configured
func DefaultLimits() Limits {
	return Limits{
		Time:        DefaultTimeLimit,
		CompileTime: DefaultCompileTimeout,
		MemoryMB:    DefaultMemoryMB,
		MaxOutput:   DefaultMaxOutput,
		Grace:       DefaultGrace,
	}
}

// LimitsFromEnv reads budgets from the SANDBOX_* variables, falling back to
// the defaults for anything absent or malformed
func LimitsFromEnv() Limits {
	l := DefaultLimits()
	if ms, ok := positiveEnv(EnvTimeLimitMs); ok {
		l.Time = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := positiveEnv(EnvCompileTimeoutMs); ok {
		l.CompileTime = time.Duration(ms) * time.Millisecond
	}
	if mb, ok := positiveEnv(EnvMemoryMB); ok {
		l.MemoryMB = mb
	}
	if n, ok := positiveEnv(EnvMaxOutputBytes); ok {
		l.MaxOutput = n
	}
	if ms, ok := positiveEnv(EnvGraceMs); ok {
		l.Grace = time.Duration(ms) * time.Millisecond
	}
	return l
}

// Env renders l as SANDBOX_* assignments for a container
func (l Limits) Env() []string {
	return []string{
		EnvTimeLimitMs + "=" + strconv.FormatInt(l.Time.Milliseconds(), 10),
		EnvCompileTimeoutMs + "=" + strconv.FormatInt(l.CompileTime.Milliseconds(), 10),
		EnvMemoryMB + "=" + strconv.Itoa(l.MemoryMB),
		EnvMaxOutputBytes + "=" + strconv.Itoa(l.MaxOutput),
		EnvGraceMs + "=" + strconv.FormatInt(l.Grace.Milliseconds(), 10),
	}
}

// MemoryKiB returns the memory budget in KiB
func (l Limits) MemoryKiB() int64 {
	return int64(l.MemoryMB) * 1024
}

func positiveEnv(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
