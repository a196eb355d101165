package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/modrun/modrun/core/config"
	"github.com/modrun/modrun/core/module"
	"github.com/modrun/modrun/internal/flags/enum"
	"github.com/modrun/modrun/internal/flags/logflag"
)

const (
	configFlagName     = "config"
	setFlagName        = "set"
	showConfigFlagName = "show-config"
	helpAllFlagName    = "help-all"
	backendFlagName    = "backend"
)

// driverState holds the parsed invocation inputs explicitly, rather than in
// package-level mutable variables — the specification calls this out by
// name as a pattern to avoid in a rewrite.
type driverState struct {
	moduleRef  string
	configFile string
	sets       []string
	showConfig bool
	helpAll    bool
}

// Execute runs the root command and exits the process with 1 on error,
// matching the specification's exit-code contract.
func Execute() {
	if err := New().Execute(); err != nil {
		os.Exit(1)
	}
}

func New() *cobra.Command {
	state := &driverState{}

	cmd := &cobra.Command{
		Use:   "modrunctl <module>",
		Short: "Build and run a module tree from a declarative descriptor.",
		Long: `modrunctl resolves a module identifier (a registered name, or a
"pkg:Attr"-shaped registration key), optionally layers an on-disk descriptor
and --set overrides on top of it, and runs the resulting tree's
prepare/start/stop lifecycle to completion.`,
		Args:              cobra.ExactArgs(1),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logflag.GetBaseLogger(cmd)
			if err != nil {
				return fmt.Errorf("could not build logger: %w", err)
			}
			slog.SetDefault(logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			state.moduleRef = args[0]
			return run(cmd, state)
		},
	}

	cmd.Flags().StringVar(&state.configFile, configFlagName, "", "path to a JSON or YAML descriptor file")
	cmd.Flags().StringArrayVar(&state.sets, setFlagName, nil, "override a parameter: path.to.param=value (repeatable)")
	cmd.Flags().BoolVar(&state.showConfig, showConfigFlagName, false, "print the full resolved configuration and exit")
	cmd.Flags().BoolVar(&state.helpAll, helpAllFlagName, false, "print a JSON Schema of the resolved config shape and exit")
	enum.Var(cmd.Flags(), backendFlagName, []string{"asyncio", "trio"}, "runtime backend selector (accepted for source compatibility; Go has one concurrency model and ignores this)")
	logflag.RegisterLoggingFlags(cmd.PersistentFlags())

	return cmd
}

func run(cmd *cobra.Command, state *driverState) error {
	rootName, descriptor, err := resolveDescriptor(state)
	if err != nil {
		return err
	}

	for _, set := range state.sets {
		key, value, ok := strings.Cut(set, "=")
		if !ok {
			return fmt.Errorf("malformed --set %q: missing '='", set)
		}
		if err := config.ApplySet(descriptor, key, value); err != nil {
			return fmt.Errorf("malformed --set %q: %w", set, err)
		}
	}

	root, err := module.GetRootModule(rootName, descriptor)
	if err != nil {
		return err
	}

	snapshot, err := root.Initialize(root)
	if err != nil {
		return err
	}
	snapshot.Type = descriptor.Type
	snapshot.Config = descriptor.Config

	if state.showConfig {
		return renderSnapshot(cmd, rootName, snapshot)
	}
	if state.helpAll {
		return renderSchema(cmd, snapshot)
	}

	exceptions := root.Run(cmd.Context())
	for _, e := range exceptions {
		slog.ErrorContext(cmd.Context(), "captured exception", "path", e.Path, "error", e.Err)
	}
	if len(exceptions) > 0 {
		return fmt.Errorf("%d exception(s) captured during run", len(exceptions))
	}
	return nil
}

// resolveDescriptor loads --config if given; otherwise it treats the
// positional module identifier as the whole tree: a single root node with
// no declared children.
func resolveDescriptor(state *driverState) (string, *config.Descriptor, error) {
	if state.configFile == "" {
		name := state.moduleRef
		if idx := strings.LastIndex(name, ":"); idx >= 0 {
			name = name[idx+1:]
		}
		return name, &config.Descriptor{Type: state.moduleRef}, nil
	}

	rootName, descriptor, err := config.Load(state.configFile)
	if err != nil {
		return "", nil, fmt.Errorf("malformed descriptor: %w", err)
	}
	if descriptor.Type == "" {
		descriptor.Type = state.moduleRef
	}
	return rootName, descriptor, nil
}

func renderSnapshot(cmd *cobra.Command, rootName string, snapshot *config.Descriptor) error {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Path", "Type", "Parameter", "Value"})
	appendSnapshotRows(t, rootName, snapshot)
	t.Render()
	return nil
}

func appendSnapshotRows(t table.Writer, path string, d *config.Descriptor) {
	for k, v := range d.Config {
		t.AppendRow(table.Row{path, d.Type, k, fmt.Sprintf("%v", v)})
	}
	for name, child := range d.Modules {
		appendSnapshotRows(t, path+"."+name, child)
	}
}

func renderSchema(cmd *cobra.Command, snapshot *config.Descriptor) error {
	schema := config.Schema(snapshot)
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
