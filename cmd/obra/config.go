package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show the effective configuration",
	Long: `Print the effective configuration after the profile and --set
overrides are applied. With a dotted key argument, print only that
value, e.g. 'obra config decision_engine.quality_proceed_threshold'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		snapshot, err := cfg.Snapshot()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			fmt.Print(snapshot)
			return nil
		}
		return printConfigKey(snapshot, args[0])
	},
}

// printConfigKey walks the YAML snapshot by dotted key segments.
func printConfigKey(snapshot, key string) error {
	var tree map[string]any
	if err := yaml.Unmarshal([]byte(snapshot), &tree); err != nil {
		return fmt.Errorf("parse config snapshot: %w", err)
	}

	var node any = tree
	for _, segment := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return fmt.Errorf("key %q not found", key)
		}
		node, ok = m[segment]
		if !ok {
			return fmt.Errorf("key %q not found", key)
		}
	}

	switch v := node.(type) {
	case map[string]any:
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	default:
		fmt.Println(v)
	}
	return nil
}
