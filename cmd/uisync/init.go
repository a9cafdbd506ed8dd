package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/uisync/uisync/internal/config"
)

var initForce bool

const defaultConfigYAML = `# uisync project configuration.
# Validated against uisync.schema.json; unknown keys warn and are ignored.

# Development mode:
#   a-first    side A is authoritative, side B is generated output
#   b-first    the inverse
#   universal  both sides are editable; simultaneous edits are detected
mode: universal

rootA: src
rootB: lib

# Persisted IR records, history, and conflict state.
storageDir: ./.ir

# Optional extension-mapping document for non-default frameworks.
# customMappings: mappings.yaml

sync:
  enabled: true
  debounceMs: 100
  testSync: true
  excludePatterns:
    - node_modules
    - build
    - .dart_tool
    - .git
    - "*.g.dart"

conversion:
  preserveComments: true
  fallbackBehavior: warn # warn | error | ignore

validation:
  validateIR: true

server:
  listen: 127.0.0.1:8787
  # publicHost: 192.168.1.10:8787  # address advertised to devices
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file and its JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		}
		if err := os.WriteFile(cfgPath, []byte(defaultConfigYAML), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", cfgPath, err)
		}

		schema, err := config.Schema()
		if err != nil {
			return fmt.Errorf("generating schema: %w", err)
		}
		schemaPath := filepath.Join(filepath.Dir(cfgPath), "uisync.schema.json")
		if err := os.WriteFile(schemaPath, schema, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", schemaPath, err)
		}

		fmt.Printf("Wrote %s and %s.\n", cfgPath, schemaPath)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
