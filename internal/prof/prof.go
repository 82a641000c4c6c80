// Package prof runs the pyroscope continuous profiler.
package prof

import (
	"context"
	"fmt"
	"net/url"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/crud-api/internal/log"
	"github.com/keithlinneman/crud-api/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string
	// Mutex and block profiles are only collected when these are > 0.
	ProfileMutexFraction int
	BlockProfileRate     int
}

// Tags merges extra with the standard component and version labels.
// Empty values are left out.
func Tags(component, version string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range map[string]string{"component": component, "version": version} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// pyroLogger routes profiler output through the app logger.
type pyroLogger struct {
	ctx context.Context
	l   log.Logger
}

func (p pyroLogger) Infof(format string, args ...any)  { p.debug(format, args...) }
func (p pyroLogger) Debugf(format string, args ...any) { p.debug(format, args...) }

func (p pyroLogger) Errorf(format string, args ...any) {
	p.l.Error(p.ctx, xerrors.Newf(format, args...), "pyroscope error")
}

func (p pyroLogger) debug(format string, args ...any) {
	p.l.Debug(p.ctx, fmt.Sprintf(format, args...), "source", "pyroscope")
}

func validate(opts Options) error {
	u, err := url.Parse(opts.ServerAddress)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
	}
	return nil
}

func profileTypes(opts Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// Start begins profiling when enabled. The returned stop func is always
// non-nil and safe to call, even after an error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if err := validate(opts); err != nil {
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	attrs := []any{"server_address", opts.ServerAddress, "app_name", opts.AppName}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		AuthToken:       opts.AuthToken,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          pyroLogger{ctx: context.WithoutCancel(ctx), l: L},
		ProfileTypes:    profileTypes(opts),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", attrs...)
		return noop, err
	}
	L.Info(ctx, "pyroscope started", attrs...)

	return func() {
		_ = profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped", attrs...)
	}, nil
}
