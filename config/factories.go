package config

import (
	"context"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/common/stats"
	"github.com/twitter/corral/coord"
	"github.com/twitter/corral/executor"
	"github.com/twitter/corral/launcher"
	"github.com/twitter/corral/launcher/dockerlauncher"
	"github.com/twitter/corral/launcher/ec2launcher"
	"github.com/twitter/corral/launcher/inprocess"
	"github.com/twitter/corral/launcher/local"
	"github.com/twitter/corral/quota"
	"github.com/twitter/corral/quota/awsquota"
	"github.com/twitter/corral/session"
	"github.com/twitter/corral/statestore"
	"github.com/twitter/corral/statestore/filestore"
	"github.com/twitter/corral/statestore/gcsstore"
	"github.com/twitter/corral/statestore/httpstore"
	"github.com/twitter/corral/statestore/memory"
	"github.com/twitter/corral/statestore/s3store"
	"github.com/twitter/corral/statestore/sqlitestore"
	"github.com/twitter/corral/worker"
)

// NoopLauncherType names the launcher that starts nothing.
const NoopLauncherType = "noop"

// MakeStore opens the configured backend and wraps it with decorate.
func (c StoreConfig) MakeStore(ctx context.Context, stat stats.StatsReceiver) (statestore.Store, error) {
	var store statestore.Store
	var err error
	switch c.Type {
	case "memory":
		store = memory.NewStore()
	case "file":
		store, err = filestore.MakeFileStore(c.Directory)
	case "sqlite":
		store, err = sqlitestore.Open(c.Path)
	case "s3":
		store, err = s3store.New(s3store.Config{
			Bucket:         c.Bucket,
			Prefix:         c.Prefix,
			Region:         c.Region,
			Endpoint:       c.Endpoint,
			ForcePathStyle: c.ForcePathStyle,
		})
	case "gcs":
		store, err = gcsstore.New(ctx, gcsstore.Config{Bucket: c.Bucket, Prefix: c.Prefix, Endpoint: c.Endpoint})
	case "http":
		if c.URL == "" {
			return nil, errors.New("http store needs a URL")
		}
		store = httpstore.MakeHTTPStore(c.URL)
	default:
		return nil, errors.Errorf("unknown store type %q", c.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s store", c.Type)
	}
	log.Infof("Using store %s", c)
	return c.decorate(store, stat), nil
}

// decorate wraps a backend: every backend call is instrumented and rate
// limited when configured, and unavailable errors are retried on top of that.
// A zero RetryFor retries for DefaultRetryMaxElapsedTime.
func (c StoreConfig) decorate(store statestore.Store, stat stats.StatsReceiver) statestore.Store {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	store = statestore.NewInstrumentedStore(store, stat)
	if c.RateLimit > 0 {
		store = statestore.NewRateLimitedStore(store, c.RateLimit, c.RateBurst)
	}
	if c.RetryFor < 0 {
		return store
	}
	retryFor := c.RetryFor.D()
	if retryFor == 0 {
		retryFor = statestore.DefaultRetryMaxElapsedTime
	}
	return statestore.NewRetryingStore(store, func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = statestore.DefaultRetryInitialInterval
		b.MaxInterval = statestore.DefaultRetryMaxInterval
		b.MaxElapsedTime = retryFor
		return b
	}, stat)
}

// WorkerSpec is the spec new sessions launch workers with.
func (c LauncherConfig) WorkerSpec() coord.WorkerSpec {
	spec := coord.WorkerSpec{Command: c.Command}
	switch c.Type {
	case dockerlauncher.Type:
		spec.Image = c.Docker.Image
	case ec2launcher.Type:
		spec.Image = c.EC2.ImageID
		spec.InstanceType = c.EC2.InstanceType
		spec.Region = c.EC2.Region
	}
	return spec
}

// MakeLaunchers returns a registry holding every launcher backend. Backends
// are built on first use, so a docker or ec2 client is only created when a
// session actually needs one. proto and exec are only used by the inprocess
// launcher and may be nil when it is not wanted.
func (c LauncherConfig) MakeLaunchers(proto *coord.Protocol, exec executor.Executor, wc WorkerConfig, stat stats.StatsReceiver) *launcher.Registry {
	reg := launcher.NewRegistry()
	reg.Register(NoopLauncherType, func() (launcher.Launcher, error) {
		return launcher.Noop{}, nil
	})
	reg.Register(local.Type, func() (launcher.Launcher, error) {
		return local.NewLauncher(c.LogDir), nil
	})
	reg.Register(inprocess.Type, func() (launcher.Launcher, error) {
		if proto == nil || exec == nil {
			return nil, errors.New("inprocess launcher needs a protocol and an executor")
		}
		return inprocess.NewLauncher(proto, exec, wc.AgentConfig("", ""), stat), nil
	})
	reg.Register(dockerlauncher.Type, func() (launcher.Launcher, error) {
		return dockerlauncher.New(c.Docker)
	})
	reg.Register(ec2launcher.Type, func() (launcher.Launcher, error) {
		return ec2launcher.New(c.EC2)
	})
	return reg
}

// MakeOracle builds the configured quota oracle.
func (c QuotaConfig) MakeOracle() (quota.Oracle, error) {
	switch c.Type {
	case "static":
		return quota.NewStatic(c.Static), nil
	case awsquota.Type:
		return awsquota.New(c.AWS)
	default:
		return nil, errors.Errorf("unknown quota type %q", c.Type)
	}
}

// AgentConfig returns the agent settings for one worker of sessionID.
func (c WorkerConfig) AgentConfig(sessionID, workerID string) worker.Config {
	cfg := worker.DefaultConfig()
	cfg.SessionID = sessionID
	cfg.WorkerID = workerID
	if c.InitialBackoff > 0 {
		cfg.InitialBackoff = c.InitialBackoff.D()
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = c.MaxBackoff.D()
	}
	if c.IdleTimeout > 0 {
		cfg.IdleTimeout = c.IdleTimeout.D()
	}
	if c.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = c.HeartbeatInterval.D()
	}
	if c.TaskDeadline > 0 {
		cfg.TaskDeadline = c.TaskDeadline.D()
	}
	if c.ScanLimit > 0 {
		cfg.ScanLimit = c.ScanLimit
	}
	return cfg
}

// SessionDeps returns what session managers need, with this section's polling settings.
func (c SessionConfig) SessionDeps(proto *coord.Protocol, launchers *launcher.Registry, stat stats.StatsReceiver) session.Deps {
	return session.Deps{
		Proto:        proto,
		Launchers:    launchers,
		Stats:        stat,
		PollInterval: c.PollInterval.D(),
		StaleAfter:   c.StaleAfter.D(),
	}
}
