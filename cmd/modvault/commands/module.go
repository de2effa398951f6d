package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/modvault/modvault/pkg/engine"
)

func newModuleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Manage modules and their dependencies",
	}

	cmd.AddCommand(newModuleCreateCommand())
	cmd.AddCommand(newModuleDependCommand())

	return cmd
}

func newModuleCreateCommand() *cobra.Command {
	var (
		environmentID string
		teamID        string
		artifact      string
		version       string
		constraint    string
		vars          []string
		varsFile      string
		autoConfirm   string
	)

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a module that deploys a registry artifact",
		Example: `  # Pin a version and auto-confirm plans without destroys
  modvault module create vpc --env 7f9c... --team team-1 \
    --artifact platform/vpc --version 1.4.2 \
    --var region=eu-west-1 --auto-confirm 'destroy == 0'

  # Load variables from YAML
  modvault module create eks --env 7f9c... --team team-1 \
    --artifact platform/eks --constraint '~> 2.0' --vars-file eks.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace, name, ok := strings.Cut(artifact, "/")
			if !ok || namespace == "" || name == "" {
				return fmt.Errorf("artifact must be NAMESPACE/NAME, got %q", artifact)
			}
			variables, err := parseVariables(varsFile, vars)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			module := &engine.Module{
				TeamID:            teamID,
				EnvironmentID:     environmentID,
				Name:              args[0],
				ArtifactNamespace: namespace,
				ArtifactName:      name,
				PinnedVersion:     version,
				VersionConstraint: constraint,
				Variables:         variables,
				AutoConfirm:       autoConfirm,
			}
			if err := a.runs.CreateModule(cmd.Context(), module); err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), module, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "module %s created (%s)\n", module.Name, module.ID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&environmentID, "env", "", "environment ID")
	cmd.Flags().StringVar(&teamID, "team", "", "owning team ID")
	cmd.Flags().StringVar(&artifact, "artifact", "", "registry artifact as NAMESPACE/NAME")
	cmd.Flags().StringVar(&version, "version", "", "pinned artifact version")
	cmd.Flags().StringVar(&constraint, "constraint", "", "version constraint when no version is pinned")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&varsFile, "vars-file", "", "YAML file of variables")
	cmd.Flags().StringVar(&autoConfirm, "auto-confirm", "", "expression over add, change and destroy that confirms plans")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("artifact")

	return cmd
}

func newModuleDependCommand() *cobra.Command {
	var (
		upstreamID string
		mappings   []string
	)

	cmd := &cobra.Command{
		Use:   "depend MODULE_ID",
		Short: "Make a module depend on another module of its environment",
		Example: `  # eks consumes the vpc_id output of vpc as its vpc_id variable
  modvault module depend <eks-id> --on <vpc-id> --map vpc_id=vpc_id`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dep := &engine.ModuleDependency{ModuleID: args[0], DependsOnID: upstreamID}
			for _, m := range mappings {
				upstream, variable, ok := strings.Cut(m, "=")
				if !ok || upstream == "" || variable == "" {
					return fmt.Errorf("mapping must be OUTPUT=VARIABLE, got %q", m)
				}
				dep.OutputMappings = append(dep.OutputMappings, engine.OutputMapping{
					UpstreamOutput:     upstream,
					DownstreamVariable: variable,
				})
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.runs.AddDependency(cmd.Context(), dep); err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), dep, func() error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "dependency %s created\n", dep.ID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&upstreamID, "on", "", "upstream module ID")
	cmd.Flags().StringArrayVar(&mappings, "map", nil, "output mapping as UPSTREAM_OUTPUT=DOWNSTREAM_VARIABLE (repeatable)")
	_ = cmd.MarkFlagRequired("on")

	return cmd
}

// parseVariables merges a YAML variables file with KEY=VALUE flags; flags win.
func parseVariables(file string, pairs []string) (map[string]any, error) {
	vars := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read variables file: %w", err)
		}
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("failed to parse variables file %s: %w", file, err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("variable must be KEY=VALUE, got %q", pair)
		}
		vars[key] = value
	}
	if len(vars) == 0 {
		return nil, nil
	}
	return vars, nil
}
