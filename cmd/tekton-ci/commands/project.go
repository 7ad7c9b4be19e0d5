package commands

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ckoons/tekton-ci/internal/config"
	"github.com/ckoons/tekton-ci/internal/projects"
)

// ProjectCmd groups the project registry commands.
var ProjectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage project CIs",
	Long: `Manage the project registry. Running registries and daemons pick
up changes through their file watcher.

Examples:
  tekton-ci project add numa-demo --ci numa-demo-ci --port 8317 --path ~/src/numa-demo
  tekton-ci project list`,
}

var projectAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register or update a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Unregister a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRemove,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

func init() {
	projectAddCmd.Flags().String("ci", "", "CI name (default: NAME)")
	projectAddCmd.Flags().Int("port", 0, "port the project CI listens on")
	projectAddCmd.Flags().String("path", "", "project directory")
	projectListCmd.Flags().Bool("json", false, "Output as JSON")

	ProjectCmd.AddCommand(projectAddCmd, projectRemoveCmd, projectListCmd)
}

func projectStore() *projects.FileStore {
	return projects.NewFileStore(currentConfig().ProjectRegistryPath())
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	ci, _ := cmd.Flags().GetString("ci")
	port, _ := cmd.Flags().GetInt("port")
	path, _ := cmd.Flags().GetString("path")
	if ci == "" {
		ci = args[0]
	}
	if path != "" {
		if abs, err := filepath.Abs(config.ExpandHome(path)); err == nil {
			path = abs
		}
	}

	p, err := projectStore().Register(projects.Project{Name: args[0], CI: ci, Port: port, Path: path})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (CI %s)\n", p.Name, p.CI)
	return err
}

func runProjectRemove(cmd *cobra.Command, args []string) error {
	if err := projectStore().Unregister(args[0]); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return err
}

func runProjectList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	list, err := projectStore().List()
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), list)
	}
	if len(list) == 0 {
		pterm.Info.Println("No projects registered")
		return nil
	}
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		port := "-"
		if p.Port > 0 {
			port = strconv.Itoa(p.Port)
		}
		rows = append(rows, []string{p.Name, p.CI, port, p.Path})
	}
	return renderTable(cmd.OutOrStdout(), []string{"PROJECT", "CI", "PORT", "PATH"}, rows)
}
