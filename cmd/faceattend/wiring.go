package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/faceattend/internal/config"
	"github.com/example/faceattend/internal/directory"
	"github.com/example/faceattend/internal/events"
	"github.com/example/faceattend/internal/faceengine/dlib"
	"github.com/example/faceattend/internal/faceengine/python"
	"github.com/example/faceattend/internal/persistence"
	"github.com/example/faceattend/internal/persistence/postgres"
	"github.com/example/faceattend/internal/persistence/sqlite"
	"github.com/example/faceattend/internal/recognition"
)

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag for %s: %v", key, err))
	}
}

// faceEngine is a recognition engine that owns resources.
type faceEngine interface {
	recognition.Engine
	Close() error
}

// restartCounter is implemented by engines that replace failed workers.
type restartCounter interface {
	Restarts() uint64
}

// dropCounter is implemented by publishers that discard events on overflow.
type dropCounter interface {
	Dropped() uint64
}

type engineFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (faceEngine, error)

func buildEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (faceEngine, error) {
	switch cfg.Engine.Kind {
	case config.EngineKindDlib:
		engine, err := dlib.New(cfg.Dlib.ModelDir, logger)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case config.EngineKindPython:
		engine, err := python.New(ctx, python.Config{
			Python:   cfg.Engine.Python,
			Script:   cfg.Engine.Script,
			ModelDir: cfg.Dlib.ModelDir,
			Workers:  cfg.Engine.Workers,
			Upsample: cfg.Engine.Upsample,
			Jitters:  cfg.Engine.Jitters,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unsupported engine kind %q", cfg.Engine.Kind)
	}
}

func openStore(ctx context.Context, cfg config.DBConfig) (persistence.Store, error) {
	if cfg.IsPostgres() {
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := sqlite.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openMigratedStore opens the configured store and applies pending migrations.
func openMigratedStore(ctx context.Context, cfg config.DBConfig, logger *slog.Logger) (persistence.Store, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		if cerr := store.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return store, nil
}

// newPublisher builds the attendance event sinks that are configured behind
// a buffered asynchronous publisher. With none configured the result is a
// no-op publisher.
func newPublisher(cfg config.EventsConfig, logger *slog.Logger) (events.Publisher, error) {
	var sinks []events.Publisher
	if cfg.MQTTBroker != "" {
		host, _ := os.Hostname()
		mqttPub, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: fmt.Sprintf("%s-%s-%d", serviceName, host, os.Getpid()),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, mqttPub)
	}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		kafkaPub, err := events.NewKafkaPublisher(brokers, cfg.KafkaTopic)
		if err != nil {
			return nil, errors.Join(err, events.Combine(sinks...).Close())
		}
		sinks = append(sinks, kafkaPub)
	}
	if len(sinks) == 0 {
		return events.Noop{}, nil
	}
	return events.NewAsync(events.Combine(sinks...), cfg.Buffer, logger), nil
}

// storeDirectoryLoader feeds the employee directory from the roster table.
type storeDirectoryLoader struct {
	repo persistence.EmployeeRepository
}

func newStoreDirectoryLoader(repo persistence.EmployeeRepository) *storeDirectoryLoader {
	return &storeDirectoryLoader{repo: repo}
}

func (a *storeDirectoryLoader) LoadAllEmployees(ctx context.Context) ([]directory.Employee, error) {
	models, err := a.repo.LoadAllEmployees(ctx)
	if err != nil {
		return nil, err
	}
	employees := make([]directory.Employee, 0, len(models))
	for _, model := range models {
		employees = append(employees, toDirectoryEmployee(model))
	}
	return employees, nil
}

func toDirectoryEmployee(model persistence.Employee) directory.Employee {
	return directory.Employee{
		ID:          model.ID,
		No:          model.No,
		FullName:    model.FullName(),
		EnglishName: model.EnglishName,
	}
}
