// Package patchpilot is the top-level entry point for the PatchPilot
// framework: automated code changes from a repository URL and a natural
// language request.
//
// Use the Builder to compose a PatchPilot application:
//
//	app, err := patchpilot.NewBuilder().Build()
//	app.Start(ctx)
//
// Or customize components:
//
//	app, err := patchpilot.NewBuilder().
//	    WithStore(myStore).
//	    WithRuntime(myRuntime).
//	    WithLLM(myClient).
//	    Build()
package patchpilot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/patchpilot/patchpilot/internal/config"
	"github.com/patchpilot/patchpilot/internal/engine"
	"github.com/patchpilot/patchpilot/internal/server"
	"github.com/patchpilot/patchpilot/pkg/eventbus"
	"github.com/patchpilot/patchpilot/pkg/gitprovider"
	ghHost "github.com/patchpilot/patchpilot/pkg/gitprovider/github"
	"github.com/patchpilot/patchpilot/pkg/gitsync"
	"github.com/patchpilot/patchpilot/pkg/llm"
	llmAnthropic "github.com/patchpilot/patchpilot/pkg/llm/anthropic"
	llmGroq "github.com/patchpilot/patchpilot/pkg/llm/groq"
	llmOpenAI "github.com/patchpilot/patchpilot/pkg/llm/openai"
	"github.com/patchpilot/patchpilot/pkg/notify"
	"github.com/patchpilot/patchpilot/pkg/pipeline"
	"github.com/patchpilot/patchpilot/pkg/sandbox"
	dockerSandbox "github.com/patchpilot/patchpilot/pkg/sandbox/docker"
	"github.com/patchpilot/patchpilot/pkg/store"
	sqliteStore "github.com/patchpilot/patchpilot/pkg/store/sqlite"
)

// Builder constructs a PatchPilot App. Missing components are filled with
// defaults derived from the configuration.
type Builder struct {
	config    *config.Config
	store     store.RunStore
	bus       eventbus.Bus
	runtime   sandbox.Runtime
	host      gitprovider.Host
	llm       llm.Client
	notifiers []notify.Notifier
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the run store implementation.
func (b *Builder) WithStore(s store.RunStore) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithRuntime sets the sandbox runtime implementation.
func (b *Builder) WithRuntime(rt sandbox.Runtime) *Builder {
	b.runtime = rt
	return b
}

// WithGitHost sets the git hosting provider.
func (b *Builder) WithGitHost(h gitprovider.Host) *Builder {
	b.host = h
	return b
}

// WithLLM sets the model client used by all pipeline stages.
func (b *Builder) WithLLM(client llm.Client) *Builder {
	b.llm = client
	return b
}

// WithNotifier adds a completion notifier (Slack, Telegram, ...).
func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	b.notifiers = append(b.notifiers, n)
	return b
}

// Build creates the App.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}

	selector := pipeline.NewSelector(b.llm)
	selector.MaxFiles = b.config.MaxContextFiles
	prep := pipeline.NewPreprocessor()
	prep.MaxFileBytes = b.config.MaxFileBytes
	executor := pipeline.NewExecutor(b.llm)
	if b.config.ExecTimeout > 0 {
		executor.ExecTimeout = b.config.ExecTimeout
	}

	eng := engine.New(
		engine.Config{
			SandboxImage:   b.config.SandboxImage,
			SandboxNetwork: b.config.SandboxNetwork,
			SandboxEnv:     b.config.SandboxEnv(),
		},
		b.store,
		b.bus,
		b.runtime,
		engine.Stages{
			Loader: pipeline.NewLoader(),
			Select: selector,
			Prep:   prep,
			Gen:    pipeline.NewGenerator(b.llm),
			Exec:   executor,
			Sync:   gitsync.New(b.host, b.config.GitHubToken),
		},
		b.notifiers,
	)

	return &App{
		config: b.config,
		engine: eng,
		server: server.New(b.config.ServerAddr, eng),
	}, nil
}

// App is a composed PatchPilot application.
type App struct {
	config *config.Config
	engine *engine.Engine
	server *server.Server
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Start runs the HTTP server until ctx is done, then shuts down the engine
// and closes the store.
func (a *App) Start(ctx context.Context) error {
	a.engine.Start(ctx)

	err := a.server.Start(ctx)

	a.engine.Stop()
	if cerr := a.engine.Store().Close(); err == nil {
		err = cerr
	}
	return err
}

// applyDefaults fills in missing builder fields.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		b.config = cfg
	}

	if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if b.config.DatabasePath == "" {
		b.config.DatabasePath = filepath.Join(b.config.DataDir, "patchpilot.db")
	}

	if b.store == nil {
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}
	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}
	if b.runtime == nil {
		b.runtime = dockerSandbox.New()
	}
	if b.host == nil {
		b.host = ghHost.New(b.config.GitHubToken)
	}
	if b.llm == nil {
		client, err := llmClientFromConfig(b.config)
		if err != nil {
			return err
		}
		b.llm = client
	}

	if len(b.notifiers) == 0 {
		if b.config.SlackToken != "" && b.config.SlackChannel != "" {
			b.notifiers = append(b.notifiers, notify.NewSlack(b.config.SlackToken, b.config.SlackChannel))
		}
		if b.config.TelegramToken != "" && b.config.TelegramChatID != 0 {
			tg, err := notify.NewTelegram(b.config.TelegramToken, b.config.TelegramChatID)
			if err != nil {
				return err
			}
			b.notifiers = append(b.notifiers, tg)
		}
	}

	return nil
}

func llmClientFromConfig(cfg *config.Config) (llm.Client, error) {
	key := cfg.LLMAPIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key set for provider %q", cfg.LLMProvider)
	}
	switch cfg.LLMProvider {
	case "anthropic":
		return llmAnthropic.New(key, cfg.LLMModel), nil
	case "openai":
		return llmOpenAI.New(key, cfg.LLMModel), nil
	case "groq":
		return llmGroq.New(key, cfg.LLMModel), nil
	}
	return nil, fmt.Errorf("unknown llm_provider %q", cfg.LLMProvider)
}
