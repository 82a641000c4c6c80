package cfg

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/klauspost/compress/gzip"

	"github.com/keithlinneman/crud-api/internal/log"
	"github.com/keithlinneman/crud-api/internal/otelx"
)

// EnvPrefix namespaces every environment override, flag "http-port" maps to CRUDAPI_HTTP_PORT.
const EnvPrefix = "CRUDAPI_"

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceExporter     string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	MaxJSONBodyBytes  int64
	CompressMinSize   int
	CompressLevel     int
	RateLimitPerSec   float64
	RateLimitBurst    int
	ConfigSSMPath     string
	DotEnvFile        string
	DrainPeriod       time.Duration
	TrustedProxyHops  int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable tracing and export via trace-exporter")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.TraceExporter, "trace-exporter", otelx.ExporterOTLP, "otlp|stdout")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Int64Var(&c.MaxJSONBodyBytes, "max-json-body-bytes", 1<<20, "largest accepted JSON request body in bytes")
	fs.IntVar(&c.CompressMinSize, "compress-min-size", 1000, "smallest response body in bytes that gets gzipped")
	fs.IntVar(&c.CompressLevel, "compress-level", gzip.BestCompression, "gzip level (1..9)")
	fs.Float64Var(&c.RateLimitPerSec, "rate-limit-rps", 0, "per-ip refill rate, 0 (default) disables rate limiting")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-ip burst size")
	fs.StringVar(&c.ConfigSSMPath, "config-ssm-path", "", "SSM parameter path holding config overrides (empty disables)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 15*time.Second, "time readiness fails before listeners shut down")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the api whose X-Forwarded-For is trusted (0..10)")
	fs.StringVar(&c.DotEnvFile, "env-file", ".env", "dotenv file loaded before env overrides (missing file is ignored)")
}

// LoadDotEnv exports variables from a dotenv file without replacing anything
// already set in the process environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := envKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

func envKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// Tracing exporter; the grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		switch c.TraceExporter {
		case otelx.ExporterOTLP, "":
			if c.OTLPEndpoint == "" {
				errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
			} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
				errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
			}
		case otelx.ExporterStdout:
		default:
			errs = append(errs, fmt.Errorf("invalid TRACE_EXPORTER %q (must be otlp|stdout)", c.TraceExporter))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Request pipeline
	if c.MaxJSONBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_JSON_BODY_BYTES must be positive (got %d)", c.MaxJSONBodyBytes))
	}
	if c.CompressMinSize < 0 {
		errs = append(errs, fmt.Errorf("COMPRESS_MIN_SIZE must not be negative (got %d)", c.CompressMinSize))
	}
	if c.CompressLevel < gzip.BestSpeed || c.CompressLevel > gzip.BestCompression {
		errs = append(errs, fmt.Errorf("invalid COMPRESS_LEVEL %d (must be %d..%d)", c.CompressLevel, gzip.BestSpeed, gzip.BestCompression))
	}
	if c.RateLimitPerSec < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative (got %g)", c.RateLimitPerSec))
	}
	if c.RateLimitPerSec > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is on (got %d)", c.RateLimitBurst))
	}

	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be in 0..10 (got %d)", c.TrustedProxyHops))
	}

	if c.ConfigSSMPath != "" && !strings.HasPrefix(c.ConfigSSMPath, "/") {
		errs = append(errs, fmt.Errorf("CONFIG_SSM_PATH must start with / (got %q)", c.ConfigSSMPath))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
