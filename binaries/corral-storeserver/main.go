package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/twitter/corral/common/endpoints"
	corralerrors "github.com/twitter/corral/common/errors"
	"github.com/twitter/corral/common/log/hooks"
	"github.com/twitter/corral/config"
	"github.com/twitter/corral/statestore/httpstore"
)

var addr = pflag.String("addr", "localhost:9094", "Bind address serving the store, /health and /admin/metrics.json")
var configName = pflag.String("config", "local.sqlite", "Config preset name or path whose Store section backs this server")
var logLevel = pflag.String("log_level", "info", "Log everything at this level and above (error|info|debug)")

func main() {
	log.AddHook(hooks.NewContextHook())
	pflag.Parse()
	if err := run(); err != nil {
		log.Error("corral-storeserver failed: ", err)
		os.Exit(int(corralerrors.ExitCodeOf(err)))
	}
}

func run() error {
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return corralerrors.NewError(err, corralerrors.UsageFailureExitCode)
	}
	log.SetLevel(level)

	admin, err := makeServer(context.Background(), *configName, *addr)
	if err != nil {
		return err
	}
	return admin.Serve()
}

// makeServer opens the configured store and mounts it next to the admin paths.
func makeServer(ctx context.Context, configName, addr string) (*endpoints.AdminServer, error) {
	cfg, err := config.Load(configName)
	if err != nil {
		return nil, corralerrors.NewError(err, corralerrors.ConfigFailureExitCode)
	}
	if cfg.Store.Type == "http" {
		return nil, corralerrors.NewError(fmt.Errorf("a store server cannot be backed by another http store"), corralerrors.ConfigFailureExitCode)
	}
	stat := endpoints.MakeStatsReceiver("corral-storeserver")
	store, err := cfg.Store.MakeStore(ctx, stat)
	if err != nil {
		return nil, corralerrors.NewError(err, corralerrors.StoreUnavailableExitCode)
	}

	admin := endpoints.NewAdminServer(addr, stat)
	handler := httpstore.MakeServer(store, addr).Handler()
	admin.Mux.Handle("/kv/", handler)
	admin.Mux.Handle("/list", handler)
	return admin, nil
}
