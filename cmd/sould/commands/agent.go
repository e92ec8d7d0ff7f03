package commands

import (
	"github.com/spf13/cobra"

	"github.com/mrkvm/sould/pkg/config"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the daemon in relay agent mode",
	Long: `Start the sould daemon as a relay agent.

An agent runs the full daemon but, instead of connecting to the Soulseek
server itself, it connects out to a sould controller and serves its
shares through the controller's session. The controller URL, agent name
and shared secret come from the relay section of the configuration.

Examples:
  sould agent
  sould agent --config /etc/sould/agent.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(config.RelayModeAgent)
	},
}
