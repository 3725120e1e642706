package main

import (
	"encoding/json"
	"fmt"

	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	"github.com/moonkev/rewriteds/internal/build"
	"github.com/moonkev/rewriteds/internal/discovery/yaml"
	"github.com/moonkev/rewriteds/internal/xds"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the declaration for an external router or build tool",
	Long: "Formats:\n" +
		"  next   {rewrites: [{source, destination}], typescript: {ignoreBuildErrors}} as JSON\n" +
		"  yaml   the declaration in the format read by --config\n" +
		"  envoy  the Envoy RouteConfiguration served over xDS",
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "next", "output format: next, yaml or envoy")
}

func runExport(cmd *cobra.Command, _ []string) error {
	decl, err := yaml.LoadDeclaration(configFile)
	if err != nil {
		return fmt.Errorf("loading declaration: %w", err)
	}

	var out []byte
	switch exportFormat {
	case "next":
		out, err = json.MarshalIndent(decl, "", "  ")
	case "yaml":
		out, err = yaml.MarshalDeclaration(decl)
	case "envoy":
		res, buildErr := build.Build(decl, build.OptionsFrom(decl))
		if buildErr != nil {
			return buildErr
		}
		mgr := xds.NewSnapshotManager(xds.Config{Cache: cachev3.NewSnapshotCache(false, cachev3.IDHash{}, nil)})
		out, err = protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(mgr.RouteConfiguration(res.Table))
	default:
		return fmt.Errorf("unknown format %q", exportFormat)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", exportFormat, err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
