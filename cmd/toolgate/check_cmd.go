package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcp-toolgate/toolgate-go/internal/anomaly"
	"github.com/mcp-toolgate/toolgate-go/internal/audit"
	"github.com/mcp-toolgate/toolgate-go/internal/config"
	"github.com/mcp-toolgate/toolgate-go/internal/gate"
	"github.com/mcp-toolgate/toolgate-go/internal/logs"
)

// Exit codes for toolgate check to enable scripted policy decisions
const (
	// ExitCodeAllowed indicates the call passed the pipeline
	ExitCodeAllowed = 0

	// ExitCodeGeneralError indicates a generic error (default)
	ExitCodeGeneralError = 1

	// ExitCodeDenied indicates the pipeline denied the call
	ExitCodeDenied = 2
)

var (
	checkToolName string
	checkParams   string
	checkServerID string
	checkUserID   string
	checkRoles    []string
	checkOutput   string
	checkTimeout  time.Duration
)

// dryRunExecutor stands in for a real tool backend so check and the
// management API's /execute endpoint can exercise the pipeline without side
// effects.
type dryRunExecutor struct{}

func (dryRunExecutor) Execute(_ context.Context, toolName string, params map[string]any, _ *gate.ExecutionContext) (any, error) {
	return map[string]any{"dry_run": true, "tool": toolName, "params": params}, nil
}

func newCheckCommand() *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run the headless security pipeline once and print the verdict",
		Long: `Run a tool call through the full security pipeline in headless mode
without executing anything, and print the resulting verdict as JSON.

Exit code 0 means the call would be allowed, 2 means denied.`,
		RunE:         runCheck,
		SilenceUsage: true,
	}

	checkCmd.Flags().StringVarP(&checkToolName, "tool", "t", "", "Tool name to evaluate (required)")
	checkCmd.Flags().StringVarP(&checkParams, "params", "p", "{}", "JSON parameters for the tool")
	checkCmd.Flags().StringVar(&checkServerID, "server", "cli", "Server identity for the call")
	checkCmd.Flags().StringVar(&checkUserID, "user", "cli", "User identity for the call")
	checkCmd.Flags().StringSliceVar(&checkRoles, "role", nil, "User roles (repeatable)")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "json", "Output format (json, quiet)")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second, "Evaluation timeout")

	if err := checkCmd.MarkFlagRequired("tool"); err != nil {
		panic(fmt.Sprintf("Failed to mark tool flag as required: %v", err))
	}

	checkCmd.Example = `  # Evaluate a file read
  toolgate check --tool read_file --params '{"path":"/tmp/x"}'

  # Evaluate a command as an admin user
  toolgate check --tool execute_command --params '{"command":"ls -la"}' --role admin

  # Scripted use: exit code only
  toolgate check --tool delete_file --params '{"path":"/etc/passwd"}' -o quiet`

	return checkCmd
}

func runCheck(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	var params map[string]any
	if err := json.Unmarshal([]byte(checkParams), &params); err != nil {
		return fmt.Errorf("invalid JSON parameters: %w", err)
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
	} else {
		cfg = config.DefaultConfig()
		err = cfg.Validate()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupCommandLogger(false, logLevel, false, "")
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	auditor := audit.NewLogger(logger)
	anomalies := anomaly.NewService(nil, auditor, logger)
	defer anomalies.Stop()

	executor := gate.NewSecureExecutor(gate.Config{
		Anomalies: anomalies,
		Auditor:   auditor,
		Policies:  cfg.PolicyProvider(),
		Executor:  dryRunExecutor{},
		Logger:    logger,
	})

	res, execErr := executor.ExecuteHeadless(ctx, checkToolName, params, &gate.ExecutionContext{
		ServerID:  checkServerID,
		UserID:    checkUserID,
		UserRoles: checkRoles,
	})

	if checkOutput != "quiet" && res != nil {
		output, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format verdict: %w", err)
		}
		fmt.Println(string(output))
	}

	if execErr != nil {
		anomalies.Stop()
		_ = logger.Sync()
		os.Exit(ExitCodeDenied)
	}
	return nil
}
