package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Jinn-Network/jinn-node-sub004/internal/gitops"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Clone or refresh the worker's coding workspace",
	Long: `Prepare the git workspace the worker uses for coding jobs: clone the
repository if missing, fetch otherwise, and check out the working branch.

Running this once before the daemon starts saves the first coding job a
cold clone.

Examples:
  jinnctl sync --repo git@github.com:acme/api.git
  jinnctl sync --repo git@github.com:acme/api.git --branch jinn/fix-ci --base develop
  JINN_WORKER_REPO_PATH=git@github.com:acme/api.git jinnctl sync`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("workspace", "", "workspace root directory (or JINN_WORKER_WORKSPACE_PATH)")
	syncCmd.Flags().String("repo", "", "repository URL (or JINN_WORKER_REPO_PATH)")
	syncCmd.Flags().String("branch", "main", "branch to check out")
	syncCmd.Flags().String("base", "main", "base branch new branches start from")
	syncCmd.Flags().String("ssh-host-alias", "", "rewrite SSH remotes to this host alias (or JINN_WORKER_SSH_HOST_ALIAS)")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	workspace, err := requireFlagOrEnv(cmd, "workspace", "JINN_WORKER_WORKSPACE_PATH")
	if err != nil {
		return err
	}
	repo, err := requireFlagOrEnv(cmd, "repo", "JINN_WORKER_REPO_PATH")
	if err != nil {
		return err
	}
	branch, _ := cmd.Flags().GetString("branch")
	base, _ := cmd.Flags().GetString("base")
	alias := flagOrEnv(cmd, "ssh-host-alias", "JINN_WORKER_SSH_HOST_ALIAS", "")

	ws := gitops.NewWorkspace(gitops.Config{
		WorkspaceDir: workspace,
		SSHHostAlias: alias,
	}, cliLogger())

	dir, err := ws.Prepare(cmd.Context(), repo, branch, base)
	if err != nil {
		return err
	}

	return render(map[string]string{"directory": dir, "branch": branch}, func() {
		fmt.Printf("%s Workspace ready\n\n", green("✓"))
		fmt.Printf("  Directory: %s\n", bold(dir))
		fmt.Printf("  Branch:    %s\n", branch)
	})
}
