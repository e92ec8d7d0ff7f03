package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrkvm/sould/internal/cli/prompt"
	"github.com/mrkvm/sould/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file interactively",
	Long: `Create a sould configuration file.

Prompts for the Soulseek credentials and the directories to share, then
writes the configuration with generated API secrets. By default the file
is created at $XDG_CONFIG_HOME/sould/config.yaml; use --config for a
custom path.

Examples:
  # Initialize at the default location
  sould init

  # Initialize at a custom path
  sould init --config /etc/sould/config.yaml

  # Overwrite an existing file
  sould init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()

	username, err := prompt.Input("Soulseek username", "")
	if err != nil {
		return err
	}
	cfg.Soulseek.Username = username

	if username != "" {
		password, err := prompt.Password("Soulseek password")
		if err != nil {
			return err
		}
		cfg.Soulseek.Password = password
	}

	port, err := prompt.InputPort("Peer listen port", cfg.Soulseek.ListenPort)
	if err != nil {
		return err
	}
	cfg.Soulseek.ListenPort = port

	root, err := prompt.Input("Directory to share", "")
	if err != nil {
		return err
	}
	if root != "" {
		cfg.Shares.Roots = []string{root}
		cfg.Shares.ScanOnStartup = true
	}

	enableAPI, err := prompt.Confirm("Enable the HTTP API", true)
	if err != nil {
		return err
	}
	cfg.API.Enabled = enableAPI
	if enableAPI {
		cfg.API.Key = randomSecret(16)
		cfg.API.JWTSecret = randomSecret(32)
	}

	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	if enableAPI {
		fmt.Printf("\nAPI key: %s\n", cfg.API.Key)
		fmt.Println("Exchange it for a session token with POST /api/v0/session.")
	}
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the daemon with: sould start")
	fmt.Printf("  3. Or specify a custom config: sould start --config %s\n", path)
	return nil
}

// randomSecret returns n random bytes hex encoded.
func randomSecret(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
