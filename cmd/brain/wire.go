package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/opsbrain/internal/api"
	"github.com/ShayCichocki/opsbrain/internal/backend"
	"github.com/ShayCichocki/opsbrain/internal/classify"
	"github.com/ShayCichocki/opsbrain/internal/config"
	"github.com/ShayCichocki/opsbrain/internal/deferral"
	"github.com/ShayCichocki/opsbrain/internal/dispatch"
	"github.com/ShayCichocki/opsbrain/internal/exec"
	"github.com/ShayCichocki/opsbrain/internal/oracle"
	"github.com/ShayCichocki/opsbrain/internal/orchestrator"
	"github.com/ShayCichocki/opsbrain/internal/registry"
	"github.com/ShayCichocki/opsbrain/internal/state"
)

// runtime is a fully wired Brain plus everything it owns.
type runtime struct {
	cfg   *config.Config
	db    *state.DB
	brain *orchestrator.Brain
	debug *orchestrator.DebugLogger
}

// newRuntime opens the store and assembles the Brain from cfg. Events are
// not resumed until the caller runs Restore.
func newRuntime(cfg *config.Config, logger *log.Logger) (*runtime, error) {
	debug, err := orchestrator.NewDebugLogger(cfg.Log.DebugFile)
	if err != nil {
		return nil, err
	}

	db, err := state.Open(cfg.Store.Path)
	if err != nil {
		debug.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		debug.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	rt := &runtime{cfg: cfg, db: db, debug: debug}
	brain, err := rt.assemble(logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.brain = brain
	return rt, nil
}

func (rt *runtime) assemble(logger *log.Logger) (*orchestrator.Brain, error) {
	cfg := rt.cfg

	classifier := classify.New()
	if cfg.Classifier.CatalogFile != "" {
		if err := classifier.LoadCatalog(cfg.Classifier.CatalogFile); err != nil {
			return nil, fmt.Errorf("load signature catalog: %w", err)
		}
	}

	reg := registry.Default()
	if cfg.Registry.RosterFile != "" {
		loaded, err := registry.Load(cfg.Registry.RosterFile)
		if err != nil {
			return nil, fmt.Errorf("load agent roster: %w", err)
		}
		reg = loaded
	}

	runner := exec.NewRunner()
	models := &modelClient{cfg: cfg}

	or, err := newOracle(cfg, classifier, models)
	if err != nil {
		return nil, err
	}
	be, err := newBackend(cfg, runner, models)
	if err != nil {
		return nil, err
	}

	// Interface values stay nil when unconfigured so the coordinator can
	// tell "no git" apart from a typed nil.
	var git dispatch.Git
	if cfg.GitOps.Workspace != "" {
		git = backend.NewGitWorkspace(cfg.GitOps.Workspace, cfg.GitOps.Remote, runner)
	}
	var mutator dispatch.Mutator
	if cfg.GitOps.Root != "" {
		mutator = backend.NewGitOps(cfg.GitOps.Root, cfg.GitOps.Remote, runner)
	}

	coord := dispatch.New(be, git, mutator, dispatch.Config{
		HuddleTimeout: cfg.Dispatch.HuddleTimeout,
		Tick:          cfg.Dispatch.Tick,
		MaxResumes:    cfg.Dispatch.MaxHuddleResumes,
	}, dispatch.WithLogger(rt.debug))

	scheduler := deferral.New(deferral.Config{
		MaxDelay:   cfg.Scheduler.MaxDelay,
		CIDelay:    cfg.Scheduler.CIDelay,
		SyncDelay:  cfg.Scheduler.SyncDelay,
		QuickDelay: cfg.Scheduler.QuickDelay,
	})

	if cfg.Authority.Maintainer == "" {
		logger.Printf("warning: authority.maintainer is unset; autonomous events will have no primary")
	}

	return orchestrator.New(
		orchestrator.RequiredConfig{Store: rt.db, Coordinator: coord},
		orchestrator.WithClassifier(classifier),
		orchestrator.WithRegistry(reg),
		orchestrator.WithMaintainer(cfg.Authority.Maintainer),
		orchestrator.WithScheduler(scheduler),
		orchestrator.WithOracle(or),
		orchestrator.WithNotifier(newNotifier(cfg, runner, logger)),
		orchestrator.WithLogger(rt.debug),
		orchestrator.WithMaxDispatches(cfg.Dispatch.MaxDispatchesPerEvent),
	)
}

// restore resumes persisted events and logs what the store held.
func (rt *runtime) restore(ctx context.Context, logger *log.Logger) error {
	sum, err := rt.db.Summarize(time.Now())
	if err != nil {
		return err
	}
	if err := rt.brain.Restore(ctx); err != nil {
		return fmt.Errorf("restore events: %w", err)
	}
	logger.Printf("store %s: %d open events, %d deferred, %d overdue", rt.db.Path(), sum.Open, sum.Deferred, sum.Overdue)
	return nil
}

// Close stops the Brain and releases the store and debug log.
func (rt *runtime) Close() error {
	var errs []error
	if rt.brain != nil {
		errs = append(errs, rt.brain.Close())
	}
	if rt.db != nil {
		errs = append(errs, rt.db.Close())
	}
	errs = append(errs, rt.debug.Close())
	return errors.Join(errs...)
}

// modelClient creates the Anthropic client on first use so a policy-only
// setup with an HTTP backend never needs a key.
type modelClient struct {
	cfg    *config.Config
	client *api.Client
}

func (m *modelClient) get() (*api.Client, error) {
	if m.client != nil {
		return m.client, nil
	}
	key, _, err := config.ResolveAPIKey(m.cfg)
	if err != nil {
		return nil, err
	}
	client, err := api.NewClient(api.ClientConfig{
		Model:         anthropic.Model(m.cfg.Oracle.Model),
		APIKey:        key,
		UseAWSBedrock: m.cfg.Oracle.Bedrock,
		AWSRegion:     m.cfg.Oracle.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}
	m.client = client
	return client, nil
}

func newOracle(cfg *config.Config, classifier *classify.Classifier, models *modelClient) (oracle.Oracle, error) {
	switch cfg.Oracle.Provider {
	case "anthropic":
		client, err := models.get()
		if err != nil {
			return nil, fmt.Errorf("oracle: %w", err)
		}
		return api.NewOracle(client), nil
	default:
		return oracle.NewPolicy(classifier), nil
	}
}

// newBackend prefers a remote agent service; without one, agent turns run
// in-process against the model API.
func newBackend(cfg *config.Config, runner exec.CommandRunner, models *modelClient) (dispatch.Backend, error) {
	if cfg.Backend.URL != "" {
		return backend.NewHTTPBackend(cfg.Backend.URL, cfg.Backend.Timeout), nil
	}
	client, err := models.get()
	if err != nil {
		return nil, fmt.Errorf("backend: no backend.url and no model client: %w", err)
	}
	return api.NewAgentBackend(api.AgentBackendConfig{
		Client:         client,
		Runner:         runner,
		WorkDir:        cfg.GitOps.Workspace,
		CommandTimeout: cfg.Backend.Timeout,
	}), nil
}

// newNotifier always logs; the command and Slack channels are optional.
func newNotifier(cfg *config.Config, runner exec.CommandRunner, logger *log.Logger) backend.Multi {
	n := backend.Multi{backend.NewLogNotifier(logger)}
	if cfg.Notify.Command != "" {
		n = append(n, backend.NewCommandNotifier(cfg.Notify.Command, runner))
	}
	if cfg.Notify.SlackWebhook != "" {
		n = append(n, backend.NewSlackNotifier(cfg.Notify.SlackWebhook))
	}
	return n
}
