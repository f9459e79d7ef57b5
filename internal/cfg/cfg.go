package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/schedule"
)

// EnvPrefix is prepended to upper-cased flag names, e.g. -bucket -> RULESYNC_BUCKET.
const EnvPrefix = "RULESYNC_"

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// storage and cdn
	Region                  string
	AccessKeyID             string
	SecretAccessKey         string
	SecretAccessKeySSMParam string
	Bucket                  string
	KeyPrefix               string
	CacheControl            string
	S3Endpoint              string
	CDNBaseURL              string
	CDNDistributionID       string
	CDNEndpoint             string
	InvalidationRPS         float64

	// pipeline and schedule
	StagingDir      string
	CatalogFile     string
	FetchTimeout    time.Duration
	Schedule        string
	ScheduleTZ      string
	RunOnStart      bool
	StaleAfter      time.Duration
	ShutdownTimeout time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.Region, "region", "", "AWS region (empty uses the default chain)")
	fs.StringVar(&c.AccessKeyID, "access-key-id", "", "static access key id (empty uses the default credential chain)")
	fs.StringVar(&c.SecretAccessKey, "secret-access-key", "", "static secret access key")
	fs.StringVar(&c.SecretAccessKeySSMParam, "secret-access-key-ssm-param", "", "SSM SecureString holding the secret access key")
	fs.StringVar(&c.Bucket, "bucket", "", "destination bucket for published resources")
	fs.StringVar(&c.KeyPrefix, "key-prefix", "", "prefix prepended to every object key and CDN invalidation path")
	fs.StringVar(&c.CacheControl, "cache-control", "", "Cache-Control header set on published objects")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", "", "custom S3-compatible endpoint URL")
	fs.StringVar(&c.CDNBaseURL, "cdn-base-url", "", "public CDN origin, e.g. https://cdn.example.com")
	fs.StringVar(&c.CDNDistributionID, "cdn-distribution-id", "", "CloudFront distribution to invalidate")
	fs.StringVar(&c.CDNEndpoint, "cdn-endpoint", "", "custom CloudFront API endpoint URL")
	fs.Float64Var(&c.InvalidationRPS, "invalidation-rps", 1, "max CDN invalidation requests per second (0 = unpaced)")

	fs.StringVar(&c.StagingDir, "staging-dir", "downloads", "local directory for fetched files awaiting upload")
	fs.StringVar(&c.CatalogFile, "catalog-file", "", "YAML resource catalog (empty uses the built-in list)")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 5*time.Minute, "timeout for one resource download")
	fs.StringVar(&c.Schedule, "schedule", schedule.DefaultSpec, "cron expression for the recurring run")
	fs.StringVar(&c.ScheduleTZ, "schedule-tz", "Local", "IANA time zone the schedule is evaluated in")
	fs.BoolVar(&c.RunOnStart, "run-on-start", true, "run once at startup before arming the schedule")
	fs.DurationVar(&c.StaleAfter, "stale-after", 48*time.Hour, "readiness fails when no run succeeded for this long (0 disables)")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "how long shutdown waits for an in-flight run")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, redact(f.Name, f.Value.String()), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, redact(f.Name, envVal), err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

func redact(name, v string) string {
	if strings.Contains(name, "secret") && v != "" {
		return "[redacted]"
	}
	return v
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
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

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if !isHTTPURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Credentials: all or nothing, and only one source for the secret
	hasSecret := c.SecretAccessKey != "" || c.SecretAccessKeySSMParam != ""
	if c.AccessKeyID != "" && !hasSecret {
		errs = append(errs, fmt.Errorf("SECRET_ACCESS_KEY or SECRET_ACCESS_KEY_SSM_PARAM required when ACCESS_KEY_ID is set"))
	}
	if c.AccessKeyID == "" && hasSecret {
		errs = append(errs, fmt.Errorf("ACCESS_KEY_ID required when a secret access key is configured"))
	}
	if c.SecretAccessKey != "" && c.SecretAccessKeySSMParam != "" {
		errs = append(errs, fmt.Errorf("SECRET_ACCESS_KEY and SECRET_ACCESS_KEY_SSM_PARAM are mutually exclusive"))
	}

	// Storage
	if c.Bucket == "" {
		errs = append(errs, fmt.Errorf("BUCKET is required"))
	}
	if p := strings.Trim(c.KeyPrefix, "/"); p != "" && pathutil.HasDotSegments(p) {
		errs = append(errs, fmt.Errorf("KEY_PREFIX must not contain . or .. segments (got %q)", c.KeyPrefix))
	}
	if c.S3Endpoint != "" && !isHTTPURL(c.S3Endpoint) {
		errs = append(errs, fmt.Errorf("S3_ENDPOINT must be a URL (got %q)", c.S3Endpoint))
	}

	// CDN
	if c.CDNBaseURL == "" {
		errs = append(errs, fmt.Errorf("CDN_BASE_URL is required"))
	} else if !isHTTPURL(c.CDNBaseURL) {
		errs = append(errs, fmt.Errorf("CDN_BASE_URL must be an http(s) URL (got %q)", c.CDNBaseURL))
	}
	if c.CDNDistributionID == "" {
		errs = append(errs, fmt.Errorf("CDN_DISTRIBUTION_ID is required"))
	}
	if c.CDNEndpoint != "" && !isHTTPURL(c.CDNEndpoint) {
		errs = append(errs, fmt.Errorf("CDN_ENDPOINT must be a URL (got %q)", c.CDNEndpoint))
	}
	if c.InvalidationRPS < 0 {
		errs = append(errs, fmt.Errorf("INVALIDATION_RPS must be >= 0 (got %v)", c.InvalidationRPS))
	}

	// Pipeline and schedule
	if c.StagingDir == "" {
		errs = append(errs, fmt.Errorf("STAGING_DIR is required"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be positive (got %s)", c.FetchTimeout))
	}
	if err := schedule.ParseSpec(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid SCHEDULE: %w", err))
	}
	if _, err := time.LoadLocation(c.ScheduleTZ); err != nil {
		errs = append(errs, fmt.Errorf("invalid SCHEDULE_TZ %q: %w", c.ScheduleTZ, err))
	}
	if c.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("STALE_AFTER must be >= 0 (got %s)", c.StaleAfter))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive (got %s)", c.ShutdownTimeout))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
