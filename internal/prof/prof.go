// Package prof starts continuous profiling with pyroscope.
package prof

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-rulesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-rulesync/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string

	// Tags are attached to every profile. version is filled from Version when unset.
	Tags    map[string]string
	Version string

	ProfileMutexFraction int
	BlockProfileRate     int
}

// Start returns a stop func that is always safe to call, even on error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(config(opts, L))
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		return noop, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
	)

	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop failed", "err", err.Error())
			return
		}
		L.Info(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
	}, nil
}

func config(opts Options, L log.Logger) pyroscope.Config {
	tags := make(map[string]string, len(opts.Tags)+1)
	for k, v := range opts.Tags {
		tags[k] = v
	}
	if _, ok := tags["version"]; !ok && opts.Version != "" {
		tags["version"] = opts.Version
	}

	// cpu and heap cover a batch job that mostly waits on network and disk;
	// goroutine and block profiles show where a run is stuck
	profiles := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		profiles = append(profiles, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		profiles = append(profiles, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}

	return pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            tags,
		ProfileTypes:    profiles,
		Logger:          pyroLogger{L: L},
	}
}

// pyroLogger routes pyroscope's printf logging into the structured logger.
type pyroLogger struct {
	L log.Logger
}

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Debug(context.Background(), "pyroscope: "+fmt.Sprintf(format, args...))
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.L.Debug(context.Background(), "pyroscope: "+fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Warn(context.Background(), "pyroscope: "+fmt.Sprintf(format, args...))
}
