package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/auth"
	"github.com/quantgrid-labs/authcore/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// App is an assembled token lifecycle core. The embedding application starts
// it, mounts the middleware and drives the auth service; App owns the fx
// lifecycle, the database handle and the background workers.
type App struct {
	fx     *fx.App
	config *config.Config
	logger *logging.Service
	db     *gorm.DB
	auth   *auth.Service
}

func (a *App) Start() error {
	ctx := context.Background()
	if err := a.fx.Start(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) StartTest() error {
	return a.fx.Start(context.Background())
}

func (a *App) Run() {
	if err := a.Start(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	if a.logger != nil {
		a.logger.Info("Received shutdown signal, stopping gracefully...")
	} else {
		log.Printf("Received signal %v, shutting down gracefully...", sig)
	}

	a.Stop()
}

func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.fx.Stop(ctx); err != nil {
		if a.logger != nil {
			a.logger.Error("Failed to stop application gracefully")
		} else {
			log.Printf("Failed to stop application gracefully: %v", err)
		}
	}
}

func (a *App) StopTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := a.fx.Stop(ctx); err != nil {
		if a.logger != nil {
			a.logger.Error("Failed to stop test application")
		} else {
			log.Printf("Failed to stop test application: %v", err)
		}
	}
}

// Auth returns the composed auth service.
func (a *App) Auth() *auth.Service {
	if a.auth == nil {
		if a.logger != nil {
			a.logger.Warn("Auth service not properly initialized through dependency injection")
		}
		return nil
	}
	return a.auth
}

func (a *App) Database() *gorm.DB {
	return a.db
}

func (a *App) DB() *gorm.DB {
	return a.db
}

func (a *App) Logger() *logging.Service {
	return a.logger
}

func (a *App) Config() *config.Config {
	return a.config
}
