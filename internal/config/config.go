// Package config loads the engine's environment-variable configuration.
//
// Every option named in spec §6 lives here as a single typed struct, in
// the teacher's style of os.Getenv-with-defaults rather than a config
// file parser — this repo has nothing a flat key=value env set can't
// express.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the specification's "Environment
// configuration" section.
type Config struct {
	// IsolationBinary is the path or identifier of the external isolation
	// backend. For the Docker-backed driver this is the Docker socket/host
	// (empty string means "use DOCKER_HOST / default").
	IsolationBinary string

	// SandboxBaseDir is the host-side root under which scratch directories
	// are allocated.
	SandboxBaseDir string

	// TmpfsSizeBytes bounds the size of the sandbox's /tmp tmpfs mount.
	TmpfsSizeBytes int64

	// DefaultMemoryMB is the default memory limit applied when a request
	// does not specify one.
	DefaultMemoryMB int64

	// DefaultWallClock is the default execution time limit.
	DefaultWallClock time.Duration

	// PoolTarget is the steady-state population of pre-warmed interactive
	// sandboxes. Only the interactive language is pool-backed.
	PoolTarget int

	// PoolLaunchParallelism bounds concurrent in-flight launchers.
	PoolLaunchParallelism int

	// InterpreterWarmupTimeout bounds how long a newly spawned interactive
	// sandbox has to emit its ready marker before it's considered unhealthy.
	InterpreterWarmupTimeout time.Duration

	// InterpreterHealthCheckTimeout bounds the no-op liveness probe issued
	// on acquisition.
	InterpreterHealthCheckTimeout time.Duration

	// HotTTL is the default TTL applied to hot-tier session entries.
	HotTTL time.Duration

	// ColdTTL is the default TTL applied to cold-tier archive objects
	// (advisory; enforced by the object store's own lifecycle policy).
	ColdTTL time.Duration

	// ArchiveAfterIdle is the idle threshold past which the Archivist
	// moves a hot entry to the cold tier.
	ArchiveAfterIdle time.Duration

	// ArchiveScanInterval is how often the Archivist sweeps the hot tier.
	ArchiveScanInterval time.Duration

	// MaxSnapshotBytes rejects Save calls for snapshots larger than this.
	MaxSnapshotBytes int64

	// MaxCodeBytes bounds the size of submitted source code.
	MaxCodeBytes int64

	// MaxOutputFiles and MaxOutputFileBytes are read from the environment
	// but not passed on to the Orchestrator; one-shot output-file
	// collection runs with no count or size cap.
	MaxOutputFiles     int
	MaxOutputFileBytes int64

	// AcquireTimeout bounds how long an Orchestrator request will wait on
	// a saturated pool before returning PoolExhausted.
	AcquireTimeout time.Duration

	// CaptureStateOnFailure controls whether the Orchestrator still
	// requests a snapshot when the interactive execution's exit code is
	// non-zero. See DESIGN.md "Open Questions decided" #1.
	CaptureStateOnFailure bool

	// RedisAddr is the hot-tier Redis endpoint.
	RedisAddr string

	// S3Bucket is the cold-tier object store bucket.
	S3Bucket string

	// APIKey, if set, is required on the X-Sandboxd-API-Key header or
	// api_key query parameter.
	APIKey string

	// Env selects production vs. development logging output.
	Env string
}

// Load reads configuration from the environment, applying the defaults
// named in spec §6.
func Load() Config {
	return Config{
		IsolationBinary:               getenv("SANDBOXD_ISOLATION_BINARY", ""),
		SandboxBaseDir:                getenv("SANDBOXD_BASE_DIR", "/var/lib/sandboxd/scratch"),
		TmpfsSizeBytes:                getenvInt64("SANDBOXD_TMPFS_BYTES", 64*1024*1024),
		DefaultMemoryMB:               getenvInt64("SANDBOXD_DEFAULT_MEMORY_MB", 512),
		DefaultWallClock:              getenvDuration("SANDBOXD_DEFAULT_WALL_CLOCK", 10*time.Second),
		PoolTarget:                    getenvInt("SANDBOXD_POOL_TARGET", 4),
		PoolLaunchParallelism:         getenvInt("SANDBOXD_POOL_LAUNCH_PARALLELISM", 4),
		InterpreterWarmupTimeout:      getenvDuration("SANDBOXD_WARMUP_TIMEOUT", 15*time.Second),
		InterpreterHealthCheckTimeout: getenvDuration("SANDBOXD_HEALTHCHECK_TIMEOUT", 200*time.Millisecond),
		HotTTL:                        getenvDuration("SANDBOXD_HOT_TTL", 2*time.Hour),
		ColdTTL:                       getenvDuration("SANDBOXD_COLD_TTL", 24*time.Hour),
		ArchiveAfterIdle:              getenvDuration("SANDBOXD_ARCHIVE_AFTER_IDLE", 20*time.Minute),
		ArchiveScanInterval:           getenvDuration("SANDBOXD_ARCHIVE_SCAN_INTERVAL", time.Minute),
		MaxSnapshotBytes:              getenvInt64("SANDBOXD_MAX_SNAPSHOT_BYTES", 10*1024*1024),
		MaxCodeBytes:                  getenvInt64("SANDBOXD_MAX_CODE_BYTES", 1024*1024),
		MaxOutputFiles:                getenvInt("SANDBOXD_MAX_OUTPUT_FILES", 32),
		MaxOutputFileBytes:            getenvInt64("SANDBOXD_MAX_OUTPUT_FILE_BYTES", 25*1024*1024),
		AcquireTimeout:                getenvDuration("SANDBOXD_ACQUIRE_TIMEOUT", 3*time.Second),
		CaptureStateOnFailure:         getenvBool("SANDBOXD_CAPTURE_STATE_ON_FAILURE", true),
		RedisAddr:                     getenv("SANDBOXD_REDIS_ADDR", "localhost:6379"),
		S3Bucket:                      getenv("SANDBOXD_S3_BUCKET", "sandboxd-state-archive"),
		APIKey:                        os.Getenv("SANDBOXD_API_KEY"),
		Env:                           getenv("SANDBOXD_ENV", "development"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
