package app

import (
	"fmt"

	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/database"
	"github.com/quantgrid-labs/authcore/internal/options"
	"github.com/quantgrid-labs/authcore/services/activity"
	"github.com/quantgrid-labs/authcore/services/auth"
	"github.com/quantgrid-labs/authcore/services/grace"
	"github.com/quantgrid-labs/authcore/services/jwt"
	"github.com/quantgrid-labs/authcore/services/logging"
	"github.com/quantgrid-labs/authcore/services/refresh"
	"github.com/quantgrid-labs/authcore/services/refreshtoken"
	"github.com/quantgrid-labs/authcore/services/userstore"
	"github.com/quantgrid-labs/authcore/services/validation"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// AppBuilder assembles the token lifecycle core: config, logger, database
// and the fx graph of services and background workers. The embedding
// application adds its own gorm models and fx options on top.
type AppBuilder struct {
	config    *config.Config
	models    []any
	fxOptions []fx.Option
	errors    []error
}

func NewApp() *AppBuilder {
	return &AppBuilder{
		models:    make([]any, 0),
		fxOptions: make([]fx.Option, 0),
		errors:    make([]error, 0),
	}
}

// New builds the core from functional options. It is the programmatic
// equivalent of chaining builder calls.
func New(opts ...options.Option) (*App, error) {
	o := &options.Options{}
	for _, opt := range opts {
		opt(o)
	}

	builder := NewApp()
	if o.Config != nil {
		builder.WithConfig(o.Config)
	}
	if len(o.DatabaseModels) > 0 {
		builder.WithModels(o.DatabaseModels...)
	}
	for _, fxOpt := range o.ExtraFxOptions {
		if opt, ok := fxOpt.(fx.Option); ok {
			builder.WithFxOptions(opt)
		}
	}

	return builder.Build()
}

func (b *AppBuilder) WithConfig(cfg *config.Config) *AppBuilder {
	if cfg == nil {
		b.addError("config cannot be nil")
		return b
	}
	b.config = cfg
	return b
}

func (b *AppBuilder) WithAutoConfig() *AppBuilder {
	cfg := &config.Config{}
	if err := config.LoadConfig(cfg); err != nil {
		b.addError(fmt.Sprintf("failed to load config: %v", err))
		return b
	}
	b.config = cfg
	return b
}

// WithModels registers additional gorm models to migrate alongside the core
// user and refresh token tables.
func (b *AppBuilder) WithModels(models ...any) *AppBuilder {
	b.models = append(b.models, models...)
	return b
}

func (b *AppBuilder) WithFxOptions(opts ...fx.Option) *AppBuilder {
	b.fxOptions = append(b.fxOptions, opts...)
	return b
}

func (b *AppBuilder) Build() (*App, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	if b.config == nil {
		if err := b.WithAutoConfig().validate(); err != nil {
			return nil, err
		}
	}

	logger, err := b.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := b.buildDatabase(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app := &App{
		config: b.config,
		logger: logger,
		db:     db,
	}

	fxOptions := b.buildFxOptions(db, logger)
	fxOptions = append(fxOptions, fx.Invoke(func(svc *auth.Service) {
		app.auth = svc
	}))

	app.fx = fx.New(fxOptions...)

	return app, nil
}

func (b *AppBuilder) addError(msg string) {
	b.errors = append(b.errors, fmt.Errorf("%s", msg))
}

func (b *AppBuilder) validate() error {
	if len(b.errors) > 0 {
		return fmt.Errorf("configuration errors: %v", b.errors)
	}

	if b.config != nil {
		if err := b.config.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	return nil
}

func (b *AppBuilder) createLogger() (*logging.Service, error) {
	if b.config == nil {
		return nil, fmt.Errorf("config required for logger creation")
	}

	return logging.NewService(logging.Config{
		Level:      logging.LogLevel(b.config.Log.Level),
		Format:     b.config.Log.Format,
		OutputPath: b.config.Log.Output,
	})
}

// buildDatabase opens the configured database and migrates the core tables
// plus any models the embedding application registered.
func (b *AppBuilder) buildDatabase(logger *logging.Service) (*gorm.DB, error) {
	models := []any{&userstore.User{}, &refreshtoken.RefreshToken{}}
	models = append(models, b.models...)

	return database.ProvideDatabase(*b.config, database.WithModels(models...), logger)
}

func (b *AppBuilder) buildFxOptions(db *gorm.DB, logger *logging.Service) []fx.Option {
	var opts []fx.Option

	opts = append(opts,
		config.NewProvider(b.config),
		fx.Supply(logger),
		fx.Supply(db),
		fx.NopLogger,
	)

	opts = append(opts,
		jwt.Options,
		userstore.Options,
		refreshtoken.Options,
		grace.Options,
		validation.Options,
		activity.Options,
		refresh.Options,
		auth.Options,
	)

	opts = append(opts, b.fxOptions...)

	return opts
}
