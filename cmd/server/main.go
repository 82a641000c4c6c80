package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/crud-api/internal/apihttp"
	"github.com/keithlinneman/crud-api/internal/cfg"
	"github.com/keithlinneman/crud-api/internal/health"
	"github.com/keithlinneman/crud-api/internal/httpmw"
	"github.com/keithlinneman/crud-api/internal/httpserver"
	"github.com/keithlinneman/crud-api/internal/log"
	"github.com/keithlinneman/crud-api/internal/metrics"
	"github.com/keithlinneman/crud-api/internal/opshttp"
	"github.com/keithlinneman/crud-api/internal/otelx"
	"github.com/keithlinneman/crud-api/internal/prof"
	"github.com/keithlinneman/crud-api/internal/ratelimit"
	v "github.com/keithlinneman/crud-api/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}

	// .env first so its values are visible to the env fill, it never replaces real env vars
	if err := cfg.LoadDotEnv(conf.DotEnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, stderrf)

	// SSM overrides sit below cli and env
	if conf.ConfigSSMPath != "" {
		ssmClient, err := cfg.NewSSMClient(ctx)
		if err == nil {
			err = cfg.FillFromSSM(ctx, flag.CommandLine, ssmClient, conf.ConfigSSMPath, cfg.EnvPrefix, stderrf)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Component:         "server",
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSONFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog, kept so a buffered backend gets flushed on shutdown
	defer lg.Sync()
	L := lg
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_exporter", conf.TraceExporter,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"max_json_body_bytes", conf.MaxJSONBodyBytes,
		"compress_min_size", conf.CompressMinSize,
		"compress_level", conf.CompressLevel,
		"rate_limit_rps", conf.RateLimitPerSec,
		"rate_limit_burst", conf.RateLimitBurst,
		"config_ssm_path", conf.ConfigSSMPath,
		"drain_period", conf.DrainPeriod.String(),
		"trusted_proxy_hops", conf.TrustedProxyHops,
	)

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: prof.Tags("server", vi.Version, map[string]string{
			"commit":   vi.Commit,
			"build_id": vi.BuildId,
			"source":   "go-agent",
		}),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Exporter:  conf.TraceExporter,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// setup toggle for server shutdown, readiness fails while draining
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	opts := &httpserver.Options{
		Logger:            L,
		Port:              conf.HTTPPort,
		APIRoutes:         apihttp.NewAPI(L).RegisterRoutes,
		Health:            health.Alive(),
		Readiness:         readiness,
		MaxJSONBodyBytes:  conf.MaxJSONBodyBytes,
		CompressMinSize:   conf.CompressMinSize,
		CompressLevel:     conf.CompressLevel,
		MetricsMW:         m.Middleware,
		OnPanic:           m.IncHttpPanic,
		OnPayloadRejected: m.IncPayloadTooLarge,
		OnCompressed:      m.IncCompressed,
		ClientIPOpts:      httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
	}

	// nil unless rate-limit-rps > 0
	opts.RateLimitMW = ratelimit.Stage(ctx, conf.RateLimitPerSec, conf.RateLimitBurst,
		// count every denial
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// log only the first denial per visitor until it is evicted
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start public http server
	apiHTTPStop, err := httpserver.Start(ctx, opts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}

	// admin/ops listener serves metrics, probes and pprof; public peers are rejected
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Alive(),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		_ = apiHTTPStop(context.Background())
		os.Exit(1)
	}

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so load balancers stop sending new requests
	gate.Close("draining")
	L.Info(context.Background(), "shutdown gate closed", "drain_period", conf.DrainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return apiHTTPStop(shutdownCtx) })
	g.Go(func() error { return opsHTTPStop(shutdownCtx) })
	if err := g.Wait(); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
