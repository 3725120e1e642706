package main

import (
	"fmt"

	"github.com/moonkev/rewriteds/internal/build"
	"github.com/moonkev/rewriteds/internal/discovery/yaml"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Type-check and build the rewrite declaration",
	Long: "Runs the rewrite checker and builds the routing table. Type errors fail the\n" +
		"build unless typescript.ignoreBuildErrors is set; invalid rules always fail.",
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	decl, err := yaml.LoadDeclaration(configFile)
	if err != nil {
		return fmt.Errorf("loading declaration: %w", err)
	}

	res, err := build.Build(decl, build.OptionsFrom(decl))
	out := cmd.OutOrStdout()
	for _, d := range res.Diagnostics {
		fmt.Fprintln(out, d.String())
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "ok: %d rewrite(s), %d diagnostic(s) ignored\n", res.Table.Len(), len(res.Diagnostics))
	for _, r := range res.Table.Rules() {
		d := r.Declaration()
		fmt.Fprintf(out, "  %s -> %s\n", d.Source, d.Destination)
	}
	return nil
}
