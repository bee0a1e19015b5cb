package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/coderun/language"
)

type languageView struct {
	ID           string   `json:"id" yaml:"id"`
	SourceFile   string   `json:"source_file" yaml:"source_file"`
	Image        string   `json:"image" yaml:"image"`
	BuildContext string   `json:"build_context" yaml:"build_context"`
	Compile      []string `json:"compile,omitempty" yaml:"compile,omitempty"`
	Run          []string `json:"run" yaml:"run"`
}

func newLanguagesCmd(root *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			registry, err := language.NewRegistry(cfg.Sandbox.ImagesDir, cfg.LanguageOverrides())
			if err != nil {
				return err
			}
			return writeLanguages(cmd.OutOrStdout(), registry.Profiles(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, yaml or json")
	return cmd
}

func writeLanguages(w io.Writer, profiles []language.Profile, format string) error {
	views := make([]languageView, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, languageView{
			ID:           p.ID,
			SourceFile:   p.SourceFile,
			Image:        p.Image,
			BuildContext: p.BuildContext,
			Compile:      p.Compile,
			Run:          p.Run,
		})
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "LANGUAGE\tSOURCE\tIMAGE\tCOMPILE")
		for _, v := range views {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.SourceFile, v.Image, strings.Join(v.Compile, " "))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
