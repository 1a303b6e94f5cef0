package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/metadata-extractor/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the analysis block schema",
}

var schemaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active schema as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := schema.LoadFile(cfg.Extract.SchemaPath)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	},
}

var schemaXSDCmd = &cobra.Command{
	Use:   "xsd",
	Short: "Print the active schema as an XML Schema document",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := schema.LoadFile(cfg.Extract.SchemaPath)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), s.XSD())
		return err
	},
}

func init() {
	schemaCmd.AddCommand(schemaShowCmd, schemaXSDCmd)
	rootCmd.AddCommand(schemaCmd)
}
