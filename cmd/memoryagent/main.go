// Command memoryagent is a minimal REPL driving one long-form conversation
// against the memory engine: every line typed at the prompt is one chat
// turn, with retrieval, flushing, and consolidation happening transparently
// per SPEC_FULL.md §4.6.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"

	"memoryagent/internal/config"
	"memoryagent/internal/llm"
	"memoryagent/internal/llm/providers"
	"memoryagent/internal/memory"
	"memoryagent/internal/memory/agent"
	"memoryagent/internal/memory/consolidator"
	"memoryagent/internal/memory/contextmgr"
	"memoryagent/internal/memory/distiller"
	"memoryagent/internal/memory/pgstore"
	"memoryagent/internal/memory/retriever"
	"memoryagent/internal/memory/sqlitestore"
	"memoryagent/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		pterm.Error.Printfln("load config: %v", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.OTel.LogFile, cfg.OTel.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTel.Enabled {
		shutdown, err := observability.InitOTel(ctx, cfg.OTel)
		if err != nil {
			pterm.Warning.Printfln("otel disabled: %v", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		pterm.Error.Printfln("open store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	provider, err := providers.Build(cfg, observability.NewHTTPClient(http.DefaultClient))
	if err != nil {
		pterm.Error.Printfln("build llm provider: %v", err)
		os.Exit(1)
	}
	model, supportsSystemRole := providerModel(cfg)
	contextLimit := resolveContextLimit(cfg.Engine.ContextLimit, model)

	cm, err := contextmgr.New(contextLimit, cfg.Engine.FlushThreshold, cfg.Engine.KeepLastTurns)
	if err != nil {
		pterm.Error.Printfln("init context manager: %v", err)
		os.Exit(1)
	}

	d := distiller.New(provider, model)
	r := retriever.New(store, retriever.DefaultWeights, cfg.Engine.MinScore)
	c := consolidator.New(store, consolidator.DecayConfig{
		DecayThreshold: cfg.Engine.DecayThreshold,
		DecayFactor:    cfg.Engine.DecayFactor,
		ExpireBelow:    cfg.Engine.ExpireBelow,
	})

	ag, err := agent.New(ctx, store, cm, d, r, c, provider, agent.Config{
		Model:              model,
		SupportsSystemRole: supportsSystemRole,
		TopK:               cfg.Engine.TopK,
		ConsolidateEvery:   cfg.Engine.ConsolidateEvery,
	})
	if err != nil {
		pterm.Error.Printfln("init agent: %v", err)
		os.Exit(1)
	}

	pterm.Success.Println("memoryagent ready — type a message, or /quit to exit")
	runREPL(ctx, ag)
}

func openStore(ctx context.Context, cfg config.Config) (memory.Store, error) {
	switch cfg.Store.Backend {
	case "", "sqlite":
		return sqlitestore.Open(cfg.Store.SQLitePath, cfg.Embedding, cfg.Store.SnapshotDir)
	case "postgres":
		return pgstore.Open(ctx, cfg.Store, cfg.Embedding)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// providerModel resolves the active provider's configured model name and
// whether it exposes a native system role. Google's Gemini API (as wired
// through this codebase's client) is the one provider in the supported set
// that the pre-distillation source's agent.py singled out for special
// system-prompt handling, so it alone folds system content into the first
// user message here.
func providerModel(cfg config.Config) (model string, supportsSystemRole bool) {
	switch cfg.LLMClient.Provider {
	case "anthropic":
		return cfg.LLMClient.Anthropic.Model, true
	case "google":
		return cfg.LLMClient.Google.Model, false
	default:
		return cfg.LLMClient.OpenAI.Model, true
	}
}

// defaultContextLimit is the working-buffer size used when context_limit
// isn't configured and the active model isn't one llm.ContextSize recognizes.
const defaultContextLimit = 8000

// resolveContextLimit honours an explicit context_limit if one was
// configured; otherwise it sizes the working buffer as a quarter of the
// model's known context window, leaving headroom for the system prompt,
// retrieved memories, and the model's own reply within that window.
func resolveContextLimit(configured int, model string) int {
	if configured > 0 {
		return configured
	}
	if size, known := llm.ContextSize(model); known {
		quarter := size / 4
		if quarter > 0 {
			return quarter
		}
	}
	pterm.Info.Println("no context_limit configured and model context window unknown, defaulting to 8000")
	return defaultContextLimit
}

func runREPL(ctx context.Context, ag *agent.Agent) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := ag.Chat(ctx, line)
		if err != nil {
			pterm.Error.Printfln("chat error: %v", err)
			continue
		}
		if result.Flushed {
			pterm.Info.Println("(segment flushed and distilled)")
		}
		fmt.Printf("agent> %s\n", result.Reply)
	}
}
