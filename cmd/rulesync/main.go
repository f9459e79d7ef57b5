package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/cdn"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/fetch"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/pipeline"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/prof"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/publish"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/schedule"
	v "github.com/keithlinneman/linnemanlabs-rulesync/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	// a .env file is optional, real env vars always win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "ignoring unreadable .env file:", err)
	}

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildID, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix RULESYNC_ and validate
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSONFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "rulesync")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"admin_port", conf.AdminPort,
		"bucket", conf.Bucket,
		"key_prefix", conf.KeyPrefix,
		"cdn_base_url", conf.CDNBaseURL,
		"cdn_distribution_id", conf.CDNDistributionID,
		"staging_dir", conf.StagingDir,
		"catalog_file", conf.CatalogFile,
		"schedule", conf.Schedule,
		"schedule_tz", conf.ScheduleTZ,
		"run_on_start", conf.RunOnStart,
		"static_credentials", conf.AccessKeyID != "",
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	// Setup metrics first so profiling state can be reported
	m := metrics.New()
	m.SetBuildInfo(vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Version:       vi.Version,
		Tags: map[string]string{
			"app":    v.AppName,
			"commit": vi.Commit,
			"source": "go-agent",
		},
	})
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
		Attributes: map[string]string{
			"rulesync.bucket":       conf.Bucket,
			"rulesync.distribution": conf.CDNDistributionID,
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without tracing")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Resource catalog
	items, err := loadCatalog(conf.CatalogFile)
	if err != nil {
		L.Error(ctx, err, "invalid resource catalog", "catalog_file", conf.CatalogFile)
		os.Exit(1)
	}
	L.Info(ctx, "resource catalog loaded", "items", len(items), "dirs", catalog.Dirs(items))

	// AWS clients
	awsCfg, err := loadAWSConfig(ctx, &conf)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if conf.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	cfClient := cloudfront.NewFromConfig(awsCfg, func(o *cloudfront.Options) {
		if conf.CDNEndpoint != "" {
			o.BaseEndpoint = aws.String(conf.CDNEndpoint)
		}
	})

	// Pipeline components
	fetcher, err := fetch.New(fetch.Options{
		Logger:     L.With("component", "fetch"),
		StagingDir: conf.StagingDir,
		Timeout:    conf.FetchTimeout,
		UserAgent:  v.UserAgent(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create fetcher")
		os.Exit(1)
	}
	publisher, err := publish.New(publish.Options{
		Logger:       L.With("component", "publish"),
		Client:       s3Client,
		Bucket:       conf.Bucket,
		KeyPrefix:    conf.KeyPrefix,
		CacheControl: conf.CacheControl,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create publisher")
		os.Exit(1)
	}
	invalidator, err := cdn.New(cdn.Options{
		Logger:            L.With("component", "cdn"),
		Client:            cfClient,
		Metrics:           m,
		BaseURL:           conf.CDNBaseURL,
		DistributionID:    conf.CDNDistributionID,
		KeyPrefix:         conf.KeyPrefix,
		RequestsPerSecond: conf.InvalidationRPS,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create cdn invalidator")
		os.Exit(1)
	}

	// last run is only kept in memory for the ops endpoint
	var lastRun atomic.Pointer[pipeline.RunResult]
	var lastSuccess atomic.Int64
	orch, err := pipeline.New(pipeline.Options{
		Logger:      L.With("component", "pipeline"),
		Fetcher:     fetcher,
		Publisher:   publisher,
		Invalidator: invalidator,
		Metrics:     m,
		OnComplete: func(r pipeline.RunResult) {
			lastRun.Store(&r)
			if r.Outcome() == pipeline.OutcomeSuccess {
				lastSuccess.Store(r.FinishedAt.Unix())
			}
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to create pipeline")
		os.Exit(1)
	}

	// readiness: schedule armed, not shutting down, and runs not stale
	var gate health.ShutdownGate
	armed := health.NewGate("daily schedule not armed")
	readiness := health.All(
		gate.Probe(),
		armed.Probe(),
		health.Freshness(conf.StaleAfter, func() time.Time {
			if ts := lastSuccess.Load(); ts > 0 {
				return time.Unix(ts, 0)
			}
			return time.Time{}
		}),
	)

	// start admin/ops listener to serve metrics, health checks, last run status and pprof
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		LastRun: func() (any, bool) {
			r := lastRun.Load()
			return r, r != nil
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// runs must outlive the signal context, shutdown stops triggers but never aborts a run
	runCtx := context.WithoutCancel(ctx)
	task := func(ctx context.Context) error {
		orch.RunOnce(ctx, items)
		return nil
	}

	loc, _ := time.LoadLocation(conf.ScheduleTZ)
	scheduler := schedule.NewCron(schedule.CronOptions{
		Logger:      L.With("component", "schedule"),
		Location:    loc,
		BaseContext: runCtx,
		Metrics:     m,
	})

	// bootstrap runs in the background so the ops listener and signals stay responsive
	type started struct {
		h   schedule.Handle
		err error
	}
	startCh := make(chan started, 1)
	go func() {
		h, err := schedule.Start(runCtx, schedule.StartOptions{
			Logger:     L.With("component", "schedule"),
			Scheduler:  scheduler,
			Metrics:    m,
			Spec:       conf.Schedule,
			Task:       task,
			RunOnStart: conf.RunOnStart,
		})
		if err == nil {
			armed.Open()
		} else {
			var bf *schedule.BootstrapFailure
			if !errors.As(err, &bf) {
				L.Error(runCtx, err, "failed to arm daily schedule")
			}
			// stay resident without a schedule, readiness keeps failing
		}
		startCh <- started{h: h, err: err}
	}()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()

	select {
	case s := <-startCh:
		if s.h != nil {
			s.h.Cancel()
			armed.Close()
			L.Info(context.Background(), "daily schedule cancelled")
			if err := s.h.Wait(shutdownCtx); err != nil {
				L.Warn(context.Background(), "in-flight run did not finish before shutdown timeout", "timeout", conf.ShutdownTimeout.String())
			}
		}
	case <-shutdownCtx.Done():
		L.Warn(context.Background(), "bootstrap run still in progress at shutdown timeout, exiting", "timeout", conf.ShutdownTimeout.String())
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func loadCatalog(path string) ([]catalog.ResourceItem, error) {
	if path == "" {
		items := catalog.Default()
		return items, catalog.Validate(items)
	}
	return catalog.LoadFile(path)
}

// loadAWSConfig builds the shared AWS config. The secret may live in SSM, which
// is read with the default chain before static credentials replace it.
func loadAWSConfig(ctx context.Context, conf *cfg.App) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if conf.Region != "" {
		opts = append(opts, config.WithRegion(conf.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	if conf.SecretAccessKeySSMParam != "" {
		if err := cfg.ResolveSecrets(ctx, conf, ssm.NewFromConfig(awsCfg)); err != nil {
			return aws.Config{}, err
		}
	}
	if conf.StaticCredentials() {
		awsCfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(conf.AccessKeyID, conf.SecretAccessKey, ""),
		)
	}
	return awsCfg, nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	_, _ = conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
