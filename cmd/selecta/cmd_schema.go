package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
	"github.com/user/selecta/pkg/agent"
)

var schemaTypes = map[string]any{
	"event":  &agent.Event{},
	"delta":  &agent.StateDelta{},
	"result": &agent.Result{},
	"error":  &agent.QueryError{},
	"run":    &agent.RunRequest{},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

var schemaCmd = &cobra.Command{
	Use:   "schema [" + strings.Join(schemaNames(), "|") + "]",
	Short: "Print the JSON schema of a wire type",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "event"
		if len(args) == 1 {
			name = args[0]
		}
		v, ok := schemaTypes[name]
		if !ok {
			return fmt.Errorf("unknown type %q (want one of %s)", name, strings.Join(schemaNames(), ", "))
		}

		reflector := jsonschema.Reflector{
			AllowAdditionalProperties: true,
		}
		out, err := json.MarshalIndent(reflector.Reflect(v), "", "  ")
		if err != nil {
			return fmt.Errorf("marshal schema: %w", err)
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

func schemaNames() []string {
	names := make([]string, 0, len(schemaTypes))
	for name := range schemaTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
