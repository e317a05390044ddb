package main

import (
	"time"

	"go.uber.org/zap"

	"syncbridge/internal/auth"
	"syncbridge/internal/config"
	"syncbridge/internal/engine"
	"syncbridge/internal/logging"
	"syncbridge/internal/mapping"
	"syncbridge/internal/metrics"
	"syncbridge/internal/remote/airtable"
	"syncbridge/internal/remote/zoho"
	"syncbridge/internal/tracker"
)

// Loop-prevention cooldowns: field echoes settle within seconds, record
// debounce covers the poll interval.
const (
	fieldCooldown  = 10 * time.Second
	recordCooldown = 120 * time.Second

	registryRefresh = 5 * time.Minute
)

// app is the assembled engine shared by every subcommand.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	source    *zoho.Client
	datastore *airtable.Client
	registry  *mapping.Registry
	tracker   *tracker.Tracker
	metrics   *metrics.Metrics
	executor  *engine.Executor
}

func newApp(dryRun bool) (*app, error) {
	cfg, err := config.Load(flagSourceConfig, flagDatastoreConfig)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(flagVerbose)
	if err != nil {
		return nil, err
	}

	store := auth.FileStore{Path: cfg.Source.TokenFile}
	state, err := store.Load()
	if err != nil {
		return nil, err
	}
	state.ClientID = cfg.Source.ClientID
	state.ClientSecret = cfg.Source.ClientSecret
	if state.RefreshToken == "" {
		state.RefreshToken = cfg.Source.RefreshToken
	}
	tokens := auth.NewManager(cfg.Source.AccountsURL+"/oauth/v2/token", state, store)

	source := zoho.New(cfg.Source.APIBaseURL, tokens, log.Named("zoho"))
	datastore := airtable.New(cfg.Datastore.APIBaseURL, cfg.Datastore.BaseID,
		cfg.Datastore.APIToken, cfg.Datastore.ModulesTable, log.Named("airtable"))

	loader := mapping.NewDatastoreLoader(datastore, cfg.Datastore.FieldsTable)
	registry := mapping.NewRegistry(loader, registryRefresh, log.Named("registry"))

	trk := tracker.New(fieldCooldown, recordCooldown)
	m := metrics.New()

	exec := engine.New(source, datastore, datastore, registry, trk, m,
		log.Named("engine"), engine.Options{DryRun: dryRun})

	return &app{
		cfg:       cfg,
		log:       log,
		source:    source,
		datastore: datastore,
		registry:  registry,
		tracker:   trk,
		metrics:   m,
		executor:  exec,
	}, nil
}

func (a *app) close() {
	a.registry.DestroyAll()
	_ = a.log.Sync()
}
