// Command miniagent is a single interactive chat subcommand wiring the
// orchestrator to a workspace on disk.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/openclaw/miniagent/internal/config"
	"github.com/openclaw/miniagent/internal/contextfiles"
	"github.com/openclaw/miniagent/internal/eventbus"
	"github.com/openclaw/miniagent/internal/heartbeat"
	"github.com/openclaw/miniagent/internal/heartbeat/rediscache"
	"github.com/openclaw/miniagent/internal/memory"
	memmongo "github.com/openclaw/miniagent/internal/memory/mongo"
	clientsmongo "github.com/openclaw/miniagent/internal/memory/mongo/clients/mongo"
	"github.com/openclaw/miniagent/internal/message"
	"github.com/openclaw/miniagent/internal/model"
	"github.com/openclaw/miniagent/internal/model/anthropic"
	"github.com/openclaw/miniagent/internal/model/bedrock"
	"github.com/openclaw/miniagent/internal/model/openai"
	"github.com/openclaw/miniagent/internal/orchestrator"
	"github.com/openclaw/miniagent/internal/sessionlog"
	"github.com/openclaw/miniagent/internal/skills"
	"github.com/openclaw/miniagent/internal/telemetry"
	"github.com/openclaw/miniagent/internal/toolpolicy"
	"github.com/openclaw/miniagent/internal/tools"
	"github.com/openclaw/miniagent/internal/window"
)

var (
	flagAgentID    string
	flagWorkspace  string
	flagConfigPath string
	flagModel      string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "miniagent",
		Short:         "Interactive agent loop CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&flagAgentID, "agent", "", "agent id (falls back to OPENCLAW_MINI_AGENT_ID, then \"default\")")
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", ".", "workspace directory")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a YAML config file (optional)")
	root.PersistentFlags().StringVar(&flagModel, "model", "claude-sonnet-4-5", "default provider's model identifier")

	root.AddCommand(newChatCmd())
	return root
}

// deps bundles what the chat subcommand needs beyond the orchestrator
// itself: the resolved agent id and a handle on the session log for
// /history and /sessions.
type deps struct {
	orch      *orchestrator.Orchestrator
	logs      *sessionlog.Store
	agentID   string
	heartbeat *heartbeat.Runner // optional; buildDeps always sets one, and runChat runs without a heartbeat when nil
}

// buildDeps wires every collaborator the orchestrator composes, the way a
// production deployment's entry point would: config, then the model
// registry, then the tool/skill/memory/session-log surfaces, then the
// orchestrator itself.
func buildDeps(workspace string) (*deps, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, fmt.Errorf("miniagent: load config: %w", err)
	}

	agentID := flagAgentID
	if agentID == "" {
		agentID = cfg.DefaultAgentID
	}
	if agentID == "" {
		agentID = "default"
	}

	log := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	models := model.NewRegistry()
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("miniagent: ANTHROPIC_API_KEY is required for the default provider")
	}
	anthropicClient, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, flagModel)
	if err != nil {
		return nil, fmt.Errorf("miniagent: build anthropic client: %w", err)
	}
	models.Register(anthropicClient)
	models.SetDefault(anthropicClient.Name())

	// Additional providers are registered opportunistically: each is only
	// wired up when its credentials are present, so the registry's
	// selectable-provider set grows with the environment rather than
	// failing startup over an optional backend.
	if cfg.OpenAIAPIKey != "" && cfg.OpenAIModel != "" {
		openaiClient, err := openai.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			return nil, fmt.Errorf("miniagent: build openai client: %w", err)
		}
		models.Register(openaiClient)
	}
	if cfg.BedrockModelID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("miniagent: load aws config for bedrock: %w", err)
		}
		bedrockClient, err := bedrock.New(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID)
		if err != nil {
			return nil, fmt.Errorf("miniagent: build bedrock client: %w", err)
		}
		models.Register(bedrockClient)
	}

	toolRegistry := tools.NewRegistry()
	policy := &toolpolicy.Policy{}

	homeDir, _ := os.UserHomeDir()
	sections, err := contextfiles.Load(homeDir, workspace)
	if err != nil {
		return nil, fmt.Errorf("miniagent: load context files: %w", err)
	}
	systemPrompt := contextfiles.Concat(sections)

	skillResolver, err := skills.Load(homeDir, workspace)
	if err != nil {
		return nil, fmt.Errorf("miniagent: load skills: %w", err)
	}

	memStore, err := buildMemoryStore(workspace, agentID, cfg.MongoURI)
	if err != nil {
		return nil, fmt.Errorf("miniagent: build memory store: %w", err)
	}

	sessions := sessionlog.New(filepath.Join(workspace, ".mini-agent", "sessions"))
	bus := eventbus.New(log)

	orch, err := orchestrator.New(orchestrator.Config{
		Models:            models,
		Tools:             toolRegistry,
		ToolPolicy:        policy,
		Skills:            skillResolver,
		Memory:            memStore,
		Logs:              sessions,
		Bus:               bus,
		Summarizer:        newModelSummarizer(anthropicClient),
		Log:               log,
		Metrics:           metrics,
		Tracer:            tracer,
		DefaultProvider:   cfg.DefaultProvider,
		SystemPromptBase:  systemPrompt,
		TokenBudget:       cfg.TokenBudget,
		MaxTurns:          cfg.MaxTurns,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		MaxRunsPerSecond:  cfg.MaxRunsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("miniagent: build orchestrator: %w", err)
	}

	runner, err := buildHeartbeatRunner(cfg, agentID, workspace, orch)
	if err != nil {
		return nil, fmt.Errorf("miniagent: build heartbeat runner: %w", err)
	}

	return &deps{orch: orch, logs: sessions, agentID: agentID, heartbeat: runner}, nil
}

// buildMemoryStore selects the workspace-local JSON journal, or, when
// mongoURI is configured, the durable Mongo-backed store scoped to agentID.
func buildMemoryStore(workspace, agentID, mongoURI string) (memory.Store, error) {
	if mongoURI == "" {
		return memory.NewJSONStore(filepath.Join(workspace, ".mini-agent", "memory", "index.json")), nil
	}

	mongoClient, err := mongodriver.Connect(mongooptions.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	client, err := clientsmongo.New(clientsmongo.Options{
		Client:     mongoClient,
		Database:   "miniagent",
		Collection: "memory",
		Timeout:    10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("build mongo client: %w", err)
	}
	return memmongo.NewStore(memmongo.Options{Client: client, SessionKey: agentID})
}

// buildHeartbeatRunner wires a heartbeat.Runner whose handler dispatches
// pending tasks to the orchestrator as a dedicated "heartbeat" session, with
// its duplicate-suppression window backed by Redis when configured.
func buildHeartbeatRunner(cfg config.Config, agentID, workspace string, orch *orchestrator.Orchestrator) (*heartbeat.Runner, error) {
	var cache heartbeat.DuplicateCache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		cache = rediscache.New(redis.NewClient(opts), "miniagent:heartbeat:")
	}

	runner := heartbeat.NewRunner(heartbeat.Config{
		RunnerID:        agentID,
		TaskFilePath:    filepath.Join(workspace, cfg.HeartbeatTaskFile),
		IntervalMs:      cfg.HeartbeatIntervalMs,
		CoalesceMs:      cfg.HeartbeatCoalesceMs,
		DuplicateWindow: cfg.HeartbeatDuplicateWindow,
		ActiveHours:     cfg.HeartbeatActiveHours,
		Cache:           cache,
	})
	runner.AddHandler(func(ctx context.Context, pending []heartbeat.Task, req heartbeat.Request) (string, error) {
		lines := make([]string, len(pending))
		for i, t := range pending {
			lines[i] = "- " + t.Text
		}
		prompt := fmt.Sprintf("Heartbeat check-in (%s). Pending tasks:\n%s", req.Reason, strings.Join(lines, "\n"))
		result, err := orch.Run(ctx, orchestrator.RunInput{AgentID: agentID, Session: "heartbeat", Text: prompt})
		if err != nil {
			return "", err
		}
		return result.Text, nil
	})
	return runner, nil
}

// modelSummarizer adapts a model.Client into window.Summarizer by issuing
// one call with the package's fixed summarization system prompt and
// draining the stream for its final text.
type modelSummarizer struct {
	client model.Client
}

func newModelSummarizer(client model.Client) *modelSummarizer {
	return &modelSummarizer{client: client}
}

func (s *modelSummarizer) Summarize(ctx context.Context, dropped []message.Message) (string, error) {
	stream, err := s.client.Stream(ctx, model.Request{
		SystemPrompt: window.SummarizerSystemPrompt(),
		Messages:     dropped,
		Options:      model.Options{MaxTokens: 1024},
	})
	if err != nil {
		return "", fmt.Errorf("miniagent: summarize: %w", err)
	}
	defer stream.Close()

	var text string
	for {
		evt, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("miniagent: summarize: %w", err)
		}
		if evt.Kind == model.EventTextEnd {
			text = evt.Content
		}
	}
	return text, nil
}
