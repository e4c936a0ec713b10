package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/mediaclaw/internal/agent"
	"github.com/stellarlinkco/mediaclaw/internal/config"
	"github.com/stellarlinkco/mediaclaw/internal/gateway"
	"github.com/stellarlinkco/mediaclaw/internal/llm"
	"github.com/stellarlinkco/mediaclaw/internal/resilience"
)

// AgentOptions for running the agent with custom dependencies.
type AgentOptions struct {
	ClientFactory gateway.ClientFactory
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "mediaclaw",
	Short: "mediaclaw - media-generating chat agent",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run agent in single message or REPL mode",
	RunE:  runAgent,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + cron)",
	RunE:  runGateway,
}

var planCmd = &cobra.Command{
	Use:   "plan <plan.json>",
	Short: "Execute a pre-built multi-step plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var messageFlag string

func init() {
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(agentCmd, gatewayCmd, planCmd, onboardCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// consoleMessenger renders channel sends onto the terminal so the agent
// path works without a chat channel attached.
type consoleMessenger struct {
	out io.Writer
}

func (c *consoleMessenger) SendText(ctx context.Context, chatID, text, quotedMessageID string) error {
	fmt.Fprintln(c.out, text)
	return nil
}

func (c *consoleMessenger) SendFileByURL(ctx context.Context, chatID, url, filename, caption, quotedMessageID string) error {
	if caption != "" {
		fmt.Fprintf(c.out, "[%s] %s\n%s\n", filename, url, caption)
	} else {
		fmt.Fprintf(c.out, "[%s] %s\n", filename, url)
	}
	return nil
}

func (c *consoleMessenger) SendLocation(ctx context.Context, chatID string, latitude, longitude float64, info, quotedMessageID string) error {
	fmt.Fprintf(c.out, "[location] %.6f,%.6f %s\n", latitude, longitude, info)
	return nil
}

func (c *consoleMessenger) SendPoll(ctx context.Context, chatID, question string, options []string, multipleAnswers bool, quotedMessageID string) error {
	fmt.Fprintf(c.out, "[poll] %s\n", question)
	for _, opt := range options {
		fmt.Fprintf(c.out, "  - %s\n", opt)
	}
	return nil
}

const cliChatID = "cli"

func runAgent(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(AgentOptions{})
}

func runAgentWithOptions(opts AgentOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'mediaclaw onboard' or set MEDIACLAW_API_KEY / GEMINI_API_KEY")
	}

	factory := opts.ClientFactory
	if factory == nil {
		factory = gateway.DefaultClientFactory
	}
	client, err := factory(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()
	console := &consoleMessenger{out: stdout}
	registry := agent.NewRegistry()
	loop := &agent.Loop{
		Handler:       agent.NewHandler(registry, console),
		MaxIterations: cfg.Agent.MaxToolIterations,
	}
	sender := &agent.Sender{Messenger: console}

	session, err := client.NewSession(ctx, llm.SessionOptions{
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Tools:        registry.Declarations(),
		Temperature:  cfg.Agent.Temperature,
		MaxTokens:    cfg.Agent.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	runOne := func(input string) error {
		ec := agent.NewExecutionContext(cliChatID, agent.IncomingMessage{Text: input})
		res, err := loop.Run(ctx, session, input, ec)
		if err != nil {
			return err
		}
		if !res.AlreadySent {
			sender.Deliver(ctx, agent.FromRunResult(cliChatID, res, agent.IncomingMessage{}))
		}
		return nil
	}

	// Single message mode
	if messageFlag != "" {
		if err := runOne(messageFlag); err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "mediaclaw agent (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		if err := runOne(input); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'mediaclaw onboard' or set MEDIACLAW_API_KEY / GEMINI_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'mediaclaw onboard' or set MEDIACLAW_API_KEY / GEMINI_API_KEY")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	var plan agent.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	client, err := gateway.DefaultClientFactory(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	console := &consoleMessenger{out: os.Stdout}
	registry := agent.NewRegistry()
	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
	})

	runner := &agent.PlanRunner{
		Client: client,
		Session: llm.SessionOptions{
			Model:        cfg.Agent.Model,
			SystemPrompt: cfg.Agent.SystemPrompt,
			Temperature:  cfg.Agent.Temperature,
			MaxTokens:    cfg.Agent.MaxTokens,
		},
		Registry:           registry,
		Handler:            agent.NewHandler(registry, console),
		Sender:             &agent.Sender{Messenger: console},
		Fallback:           agent.NewFallback(breakers, console),
		AutoProviderSwitch: cfg.Fallback.AutoSwitch(),
		ProvidersFor: func(tool string) []string {
			return gateway.ProvidersForTool(cfg, tool)
		},
		StepToolTurns: cfg.Agent.StepToolTurns,
	}

	ec := agent.NewExecutionContext(cliChatID, agent.IncomingMessage{})
	res, err := runner.Execute(ctx, plan, ec)
	if err != nil {
		return fmt.Errorf("plan error: %w", err)
	}
	fmt.Printf("completed %d/%d steps\n", res.StepsCompleted, res.TotalSteps)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("Set MEDIACLAW_API_KEY (or GEMINI_API_KEY / OPENAI_API_KEY) and enable a channel in the config to get started.")
	return nil
}
