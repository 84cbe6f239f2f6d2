package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the LLM gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for provider details.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("%s Configuration Setup", AppName)
	color.Yellow("Follow the prompts to configure your first provider.")

	reader := bufio.NewReader(os.Stdin)

	prompt := func(label string) string {
		fmt.Printf("%s: ", label)
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	providerName := prompt("\nProvider Name (e.g., anthropic-main)")
	protocol := prompt("Protocol (anthropic, openai, gemini)")
	endpoint := prompt("Endpoint URL")
	keysRaw := prompt("API Keys (comma-separated)")
	model := prompt("Default Model")
	gatewayKey := prompt("Gateway API Key (optional, for client authentication)")

	var keys []string
	for _, k := range strings.Split(keysRaw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: gatewayKey,
		Providers: []config.Provider{{
			Name:     providerName,
			Protocol: protocol,
			Endpoint: endpoint,
			APIKeys:  keys,
		}},
		Router: config.RouterConfig{
			Categories: map[string]config.Category{
				"default": {
					Providers: []config.ProviderRef{{Provider: providerName, Model: model}},
				},
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the gateway with: rcc start")
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'rcc config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", maskString(cfg.APIKey))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, provider := range cfg.Providers {
		fmt.Printf("  - Name: %s\n", provider.Name)
		fmt.Printf("    Protocol: %s\n", provider.Protocol)
		fmt.Printf("    Endpoint: %s\n", provider.Endpoint)
		fmt.Printf("    Keys: %d configured\n", len(provider.APIKeys))
		if provider.KeyStrategy != "" {
			fmt.Printf("    Key Strategy: %s\n", provider.KeyStrategy)
		}
		fmt.Println()
	}

	fmt.Println("Routing Categories:")
	for name, cat := range cfg.Router.Categories {
		fmt.Printf("  %s:\n", name)
		for _, ref := range cat.Providers {
			line := fmt.Sprintf("    - %s", ref.Provider)
			if ref.Model != "" {
				line += " (" + ref.Model + ")"
			}
			if ref.Weight > 0 {
				line += fmt.Sprintf(" weight=%d", ref.Weight)
			}
			fmt.Println(line)
		}
	}

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	if _, err := cfgMgr.Load(); err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %s\n", err)
		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")
	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
