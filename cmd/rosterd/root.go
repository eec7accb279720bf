package main

import (
	"os"
	"sync"

	"github.com/rosterd/rosterd/internal/logging"
	"github.com/spf13/cobra"
)

// annotationPlainOutput marks commands whose output is meant for humans or
// shell pipelines; they skip the structured logger.
const annotationPlainOutput = "plain-output"

var rootCmd = &cobra.Command{
	Use:           "rosterd",
	Short:         "Rosterd syncs tenant user rosters from SaaS providers.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		structured := commandUsesStructuredLogging(cmd)
		setCommandExecutionContext(commandExecutionContext{
			CommandPath:       cmd.CommandPath(),
			UsesStructuredLog: structured,
		})
		if !structured {
			return nil
		}
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
			Command: cmd.Name(),
			Writer:  os.Stderr,
		})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, migrateCmd, keygenCmd)
}

type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	execCtxMu sync.Mutex
	execCtx   commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	execCtxMu.Lock()
	defer execCtxMu.Unlock()
	execCtx = ctx
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	execCtxMu.Lock()
	defer execCtxMu.Unlock()
	return execCtx
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationPlainOutput] == "true" {
			return false
		}
	}
	return true
}
