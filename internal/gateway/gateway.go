// Package gateway wires the pieces together: config, LLM client, tool
// registry, channels, persistence and cron, and routes inbound messages
// through the agent loop.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/mediaclaw/internal/agent"
	"github.com/stellarlinkco/mediaclaw/internal/channel"
	"github.com/stellarlinkco/mediaclaw/internal/config"
	"github.com/stellarlinkco/mediaclaw/internal/cron"
	"github.com/stellarlinkco/mediaclaw/internal/llm"
	"github.com/stellarlinkco/mediaclaw/internal/resilience"
	"github.com/stellarlinkco/mediaclaw/internal/store"
)

// ClientFactory creates an LLM client (allows mocking in tests).
type ClientFactory func(cfg *config.Config) (llm.Client, error)

// Options for creating a Gateway.
type Options struct {
	ClientFactory ClientFactory
	Tools         []agent.Tool
	// CleanText strips channel-specific markers before delivery; nil means
	// identity.
	CleanText func(string) string
	// IsPipelineIntermediate is the sender's suppression heuristic for
	// data-tool residue; nil means never suppress on that ground.
	IsPipelineIntermediate func(toolsUsed []string, text string) bool
	// URLTools names tools whose raw URLs survive text cleanup.
	URLTools map[string]bool

	SignalChan chan os.Signal // for testing signal handling
}

// DefaultClientFactory picks the provider from config: gemini unless the
// configured type says openai.
func DefaultClientFactory(cfg *config.Config) (llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Type)) {
	case "openai":
		if cfg.Provider.BaseURL != "" {
			return llm.NewOpenAIClientWithBaseURL(cfg.Provider.APIKey, cfg.Provider.BaseURL), nil
		}
		return llm.NewOpenAIClient(cfg.Provider.APIKey), nil
	default:
		return llm.NewGeminiClient(context.Background(), cfg.Provider.APIKey)
	}
}

type Gateway struct {
	cfg      *config.Config
	client   llm.Client
	registry *agent.Registry
	breakers *resilience.Registry
	channels *channel.Manager
	store    *store.Store
	cron     *cron.Service

	cleanText              func(string) string
	isPipelineIntermediate func(toolsUsed []string, text string) bool
	urlTools               map[string]bool

	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:                    cfg,
		cleanText:              opts.CleanText,
		isPipelineIntermediate: opts.IsPipelineIntermediate,
		urlTools:               opts.URLTools,
		signalChan:             opts.SignalChan,
	}

	factory := opts.ClientFactory
	if factory == nil {
		factory = DefaultClientFactory
	}
	client, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	g.client = client

	g.registry = agent.NewRegistry()
	for _, tool := range opts.Tools {
		if err := g.registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	g.breakers = resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CallTimeout:      secondsOrZero(cfg.Breaker.CallTimeoutSec),
		ResetTimeout:     secondsOrZero(cfg.Breaker.ResetTimeoutSec),
	})

	if cfg.Persistence.Enabled {
		maxAge := secondsOrZero(cfg.Persistence.ContextMaxAge * 24 * 3600)
		st, err := store.Open(cfg.Persistence.DBPath, maxAge)
		if err != nil {
			return nil, fmt.Errorf("open context store: %w", err)
		}
		g.store = st
	}

	chMgr, err := channel.NewManager(cfg.Channels)
	if err != nil {
		g.closePartial()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	g.channels.SetHandler(g.handleInbound)

	if cfg.Cron.Enabled {
		g.cron = cron.NewService(cfg.Cron.Jobs)
		g.cron.OnJob = func(ctx context.Context, job config.CronJob) error {
			ch, ok := g.channels.Get(job.Channel)
			if !ok {
				return fmt.Errorf("cron job %s: unknown channel %q", job.Name, job.Channel)
			}
			res, err := g.runPrompt(ctx, ch, job.ChatID, agent.IncomingMessage{Text: job.Prompt})
			if err != nil {
				return err
			}
			g.deliver(ctx, ch, job.ChatID, res, agent.IncomingMessage{})
			return nil
		}
	}

	return g, nil
}

func (g *Gateway) closePartial() {
	if g.store != nil {
		_ = g.store.Close()
	}
	if g.client != nil {
		_ = g.client.Close()
	}
}

// Registry exposes the tool registry so callers can register tools after
// construction.
func (g *Gateway) Registry() *agent.Registry { return g.registry }

// Breakers exposes circuit breaker stats for inspection.
func (g *Gateway) Breakers() *resilience.Registry { return g.breakers }

func (g *Gateway) sessionOptions() llm.SessionOptions {
	return llm.SessionOptions{
		Model:        g.cfg.Agent.Model,
		SystemPrompt: g.cfg.Agent.SystemPrompt,
		Tools:        g.registry.Declarations(),
		Temperature:  g.cfg.Agent.Temperature,
		MaxTokens:    g.cfg.Agent.MaxTokens,
	}
}

func (g *Gateway) newSender(m agent.Messenger) *agent.Sender {
	return &agent.Sender{
		Messenger:              m,
		CleanCaption:           g.cleanText,
		IsPipelineIntermediate: g.isPipelineIntermediate,
		URLTools:               g.urlTools,
	}
}

func (g *Gateway) newLoop(m agent.Messenger) *agent.Loop {
	loop := &agent.Loop{
		Handler:       agent.NewHandler(g.registry, m),
		MaxIterations: g.cfg.Agent.MaxToolIterations,
		CleanText:     g.cleanText,
	}
	if g.store != nil {
		loop.Store = g.store
	}
	return loop
}

// ProvidersForTool maps a creation tool to the configured provider order
// for its asset kind, inferred from the tool name.
func ProvidersForTool(cfg *config.Config, tool string) []string {
	name := strings.ToLower(tool)
	switch {
	case strings.Contains(name, "image") || strings.Contains(name, "photo"):
		return cfg.ProvidersForKind("image")
	case strings.Contains(name, "video"):
		return cfg.ProvidersForKind("video")
	case strings.Contains(name, "audio") || strings.Contains(name, "speech") || strings.Contains(name, "music"):
		return cfg.ProvidersForKind("audio")
	default:
		return nil
	}
}

func (g *Gateway) providersFor(tool string) []string {
	return ProvidersForTool(g.cfg, tool)
}

// runPrompt executes one single-step run for a chat and returns its result.
func (g *Gateway) runPrompt(ctx context.Context, m agent.Messenger, chatID string, input agent.IncomingMessage) (*agent.RunResult, error) {
	session, err := g.client.NewSession(ctx, g.sessionOptions())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	ec := agent.NewExecutionContext(chatID, input)
	return g.newLoop(m).Run(ctx, session, input.Text, ec)
}

// RunPlan executes a pre-built multi-step plan for a chat on the named
// channel. Step results are delivered as they complete.
func (g *Gateway) RunPlan(ctx context.Context, channelName, chatID string, plan agent.Plan) (*agent.RunResult, error) {
	ch, ok := g.channels.Get(channelName)
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channelName)
	}
	return g.runPlan(ctx, ch, chatID, plan)
}

func (g *Gateway) runPlan(ctx context.Context, m agent.Messenger, chatID string, plan agent.Plan) (*agent.RunResult, error) {
	runner := &agent.PlanRunner{
		Client:             g.client,
		Session:            g.sessionOptions(),
		Registry:           g.registry,
		Handler:            agent.NewHandler(g.registry, m),
		Sender:             g.newSender(m),
		Fallback:           agent.NewFallback(g.breakers, m),
		AutoProviderSwitch: g.cfg.Fallback.AutoSwitch(),
		ProvidersFor:       g.providersFor,
		StepToolTurns:      g.cfg.Agent.StepToolTurns,
	}

	ec := agent.NewExecutionContext(chatID, agent.IncomingMessage{})
	res, err := runner.Execute(ctx, plan, ec)
	if err != nil {
		return nil, err
	}
	if g.store != nil && chatID != "" {
		if serr := g.store.SaveAgentContext(ctx, chatID, ec.Snapshot()); serr != nil {
			log.Printf("[gateway] save plan context for %s: %v", chatID, serr)
		}
	}
	return res, nil
}

func (g *Gateway) deliver(ctx context.Context, m agent.Messenger, chatID string, res *agent.RunResult, input agent.IncomingMessage) {
	if res == nil || res.AlreadySent {
		return
	}
	g.newSender(m).Deliver(ctx, agent.FromRunResult(chatID, res, input))
}

func (g *Gateway) handleInbound(msg channel.Inbound) {
	runID := uuid.NewString()
	log.Printf("[gateway] run %s: inbound from %s/%s: %s", runID, msg.Channel, msg.SenderID, truncate(msg.Text, 80))

	ch, ok := g.channels.Get(msg.Channel)
	if !ok {
		log.Printf("[gateway] run %s: unknown channel %q", runID, msg.Channel)
		return
	}

	ctx := context.Background()
	input := agent.IncomingMessage{
		Text:            msg.Text,
		MessageID:       msg.MessageID,
		QuotedMessageID: msg.QuotedMessageID,
		QuotedText:      msg.QuotedText,
	}

	res, err := g.runPrompt(ctx, ch, msg.ChatID, input)
	if err != nil {
		log.Printf("[gateway] run %s: agent error: %v", runID, err)
		if serr := ch.SendText(ctx, msg.ChatID, "Sorry, I encountered an error processing your message.", msg.MessageID); serr != nil {
			log.Printf("[gateway] run %s: send error reply: %v", runID, serr)
		}
		return
	}

	g.deliver(ctx, ch, msg.ChatID, res, input)
}

// Run starts the channels and cron and blocks until a termination signal.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if g.cron != nil {
		if err := g.cron.Start(ctx); err != nil {
			log.Printf("[gateway] cron start warning: %v", err)
		}
	}

	if g.store != nil {
		go g.pruneLoop(ctx)
	}

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	if g.cron != nil {
		g.cron.Stop()
	}
	if g.channels != nil {
		_ = g.channels.StopAll()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close context store warning: %v", err)
		}
	}
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			log.Printf("[gateway] close llm client warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

const pruneInterval = time.Hour

// pruneLoop expires stale contexts once at startup and then periodically,
// until the run context is cancelled.
func (g *Gateway) pruneLoop(ctx context.Context) {
	g.pruneExpired(ctx)

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.pruneExpired(ctx)
		}
	}
}

func (g *Gateway) pruneExpired(ctx context.Context) {
	n, err := g.store.Prune(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[gateway] prune contexts: %v", err)
		}
		return
	}
	if n > 0 {
		log.Printf("[gateway] pruned %d expired contexts", n)
	}
}

func secondsOrZero(sec int) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
