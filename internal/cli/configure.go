package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shopclerk/shopclerk/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file to the config path. Existing
files are left untouched. Edit the file afterwards to set the model API
key, the commerce backend URL and the gateway shared secret.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	if loader.Exists() {
		return fmt.Errorf("configuration already exists at %s", loader.Path())
	}

	cfg := config.DefaultConfig()
	if err := config.Save(cfg, loader.Path()); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration written to: %s\n", loader.Path())
	fmt.Println("Set model.api_key, backend.base_url and gateway.shared_secret, then run: shopclerk serve")
	return nil
}
