package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"golang.org/x/term"

	"github.com/taskforge/orchestrator/pkg/agents/architect"
	"github.com/taskforge/orchestrator/pkg/agents/coder"
	"github.com/taskforge/orchestrator/pkg/agents/debugger"
	"github.com/taskforge/orchestrator/pkg/agents/tester"
	"github.com/taskforge/orchestrator/pkg/bus"
	"github.com/taskforge/orchestrator/pkg/config"
	"github.com/taskforge/orchestrator/pkg/convstore"
	"github.com/taskforge/orchestrator/pkg/keymanager"
	"github.com/taskforge/orchestrator/pkg/llm"
	"github.com/taskforge/orchestrator/pkg/llm/anthropicadapter"
	"github.com/taskforge/orchestrator/pkg/llm/geminiadapter"
	"github.com/taskforge/orchestrator/pkg/llm/ollamaadapter"
	"github.com/taskforge/orchestrator/pkg/llm/openaiadapter"
	"github.com/taskforge/orchestrator/pkg/logx"
	"github.com/taskforge/orchestrator/pkg/metrics"
	"github.com/taskforge/orchestrator/pkg/orchestrator"
	"github.com/taskforge/orchestrator/pkg/planner"
	"github.com/taskforge/orchestrator/pkg/redisrate"
	"github.com/taskforge/orchestrator/pkg/router"
	"github.com/taskforge/orchestrator/pkg/secrets"
	"github.com/taskforge/orchestrator/pkg/todo"
)

// system is the fully wired set of services one CLI invocation needs.
// Every piece is rebuilt fresh per process; only the TodoList/WorkflowState
// JSON files under workflowsDir survive across invocations.
type system struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	planner  *planner.Planner
	tester   *tester.Agent
	debugger *debugger.Agent
	recorder *metrics.Recorder
	log      *logx.Logger
}

// bootstrap wires the ConversationStore, KeyManager, RequestRouter,
// agent registry, and Orchestrator for one CLI invocation, following
// the donor main.go's single bootstrap-then-dispatch shape.
func bootstrap(ctx context.Context, projectDir string) (*system, error) {
	log := logx.NewLogger("cli")

	orchDir := filepath.Join(projectDir, config.ConfigDir)
	if err := os.MkdirAll(orchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	cfg, err := config.Load(filepath.Join(orchDir, config.ConfigFilename))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	backendName := os.Getenv("SECRET_STORE_TYPE")
	if backendName == "" {
		backendName = cfg.SecretStore.Backend
	}
	if backendName == "" {
		backendName = "env"
	}
	secretStore, err := secrets.New(backendName, orchDir)
	if err != nil {
		return nil, fmt.Errorf("init secret store: %w", err)
	}
	if secretStore.NeedsUnlock() {
		password, err := readSecretsPassword()
		if err != nil {
			return nil, fmt.Errorf("read secrets password: %w", err)
		}
		if err := secretStore.Unlock(password); err != nil {
			return nil, fmt.Errorf("unlock secret store: %w", err)
		}
	}

	redisAddr := os.Getenv("REDIS_URL")
	if redisAddr == "" {
		redisAddr = cfg.Redis.Addr
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	limiter := redisrate.New(redisClient)

	keys := keymanager.New(limiter, secretStore)
	keys.LoadKeys(apiKeysFromConfig(cfg))

	convStore, err := convstore.Open(filepath.Join(orchDir, "conversations.db"))
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}

	recorder := metrics.NewRecorder()

	rtr := router.New(keys, convStore, providerResolver(ctx, secretStore), router.Options{
		MaxRetries:    cfg.Resilience.Retry.MaxAttempts,
		BaseBackoffMs: int(cfg.Resilience.Retry.InitialDelay.Milliseconds()),
	}).WithRecorder(recorder)

	workspace := filepath.Join(projectDir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	contractsDir := filepath.Join(projectDir, "contracts", "generated")
	if err := os.MkdirAll(contractsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create contracts dir: %w", err)
	}

	plannerModel := defaultModel(cfg, config.ProviderGemini)
	coderModel := defaultModel(cfg, config.ProviderAnthropic)

	testerAgent := tester.New(workspace)
	agents := map[todo.AgentRole]orchestrator.Agent{
		todo.RoleArchitect: architect.New(rtr, plannerModel, contractsDir),
		todo.RoleCoder:     coder.New(rtr, coderModel, workspace),
		todo.RoleTester:    testerAgent,
	}

	eventBus := bus.New(func(herr bus.HandlerError) {
		log.Warn("bus handler error on %s: %v", herr.Channel, herr.Err)
	})
	if err := eventBus.Subscribe(bus.WorkflowEvents, "cli", func(ev bus.Event) {
		log.Info("[%s] %s workflow=%s task=%s", ev.Source, ev.EventType, ev.WorkflowID, ev.TaskID)
	}); err != nil {
		return nil, fmt.Errorf("subscribe to workflow events: %w", err)
	}

	orch := orchestrator.New(agents, eventBus).WithRecorder(recorder)
	dbg := debugger.New(orch)
	pln := planner.New(rtr, plannerModel)

	return &system{cfg: cfg, orch: orch, planner: pln, tester: testerAgent, debugger: dbg, recorder: recorder, log: log}, nil
}

// readSecretsPassword prompts for the file secret backend's unlock
// password on the controlling terminal without echoing it. ORCHESTRATOR_SECRETS_PASSWORD
// overrides the prompt for non-interactive use (CI, scripted runs).
func readSecretsPassword() (string, error) {
	if pw := os.Getenv("ORCHESTRATOR_SECRETS_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "secrets password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

// apiKeysFromConfig derives one KeyManager credential per configured
// model's provider, keyed by provider name so the env SecretStore
// backend only needs one API_KEY_<provider> variable per provider
// rather than one per model.
func apiKeysFromConfig(cfg *config.Config) []keymanager.APIKey {
	seen := map[string]bool{}
	var keys []keymanager.APIKey
	for i, m := range cfg.Models {
		if seen[m.Provider] {
			continue
		}
		seen[m.Provider] = true
		keys = append(keys, keymanager.APIKey{
			KeyID:     m.Provider,
			ModelName: m.Name,
			Provider:  m.Provider,
			RPM:       m.MaxRPM,
			TPM:       m.MaxTPM,
			Priority:  i,
			Workload:  router.WorkloadLight,
			Active:    true,
		})
	}
	return keys
}

// defaultModel returns the first configured model for provider, or
// provider's zero value model name if none is configured.
func defaultModel(cfg *config.Config, provider string) string {
	for _, m := range cfg.Models {
		if m.Provider == provider {
			return m.Name
		}
	}
	return ""
}

// providerResolver maps a provider name to its llm.Client adapter,
// fetching the provider's secret from store under the same key_id
// convention KeyManager uses (key_id == provider name), so both sides
// of a SelectKey/ChatCompletion pair agree on which credential backs a
// given provider.
func providerResolver(ctx context.Context, store *secrets.Store) router.ProviderResolver {
	return func(provider string) (llm.Client, error) {
		if provider == config.ProviderOllama {
			host := os.Getenv("OLLAMA_HOST")
			if host == "" {
				host = "http://localhost:11434"
			}
			return ollamaadapter.New(host), nil
		}

		apiKey, err := store.Fetch(provider)
		if err != nil {
			return nil, fmt.Errorf("fetch secret for provider %q: %w", provider, err)
		}
		switch provider {
		case config.ProviderAnthropic:
			return anthropicadapter.New(apiKey), nil
		case config.ProviderOpenAI:
			return openaiadapter.New(apiKey), nil
		case config.ProviderGemini:
			return geminiadapter.New(ctx, apiKey)
		default:
			return nil, fmt.Errorf("unknown provider %q", provider)
		}
	}
}
