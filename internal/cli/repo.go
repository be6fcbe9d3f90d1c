package cli

import (
	"errors"
	"fmt"

	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/store"
	"github.com/denizbac/fleetcore/pkg/models"
	"github.com/spf13/cobra"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage repositories",
	}
	cmd.AddCommand(newRepoAddCmd())
	cmd.AddCommand(newRepoListCmd())
	cmd.AddCommand(newRepoImportCmd())
	cmd.AddCommand(newRepoAutonomyCmd())
	cmd.AddCommand(newRepoCapCmd())
	return cmd
}

func validAutonomy(mode string) bool {
	switch mode {
	case models.AutonomyGuided, models.AutonomyFull:
		return true
	}
	return false
}

func newRepoAddCmd() *cobra.Command {
	var (
		name     string
		source   string
		branch   string
		autonomy string
		cap      int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			if source == "" {
				return errors.New("--source is required")
			}
			if !validAutonomy(autonomy) {
				return errors.New("--autonomy must be guided or full")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			repo, err := st.CreateRepo(cmd.Context(), name, source, branch, autonomy, cap)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered repo %q (%s)\n", name, repo.RepoID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Repository name")
	cmd.Flags().StringVar(&source, "source", "", "Repository source URL or path")
	cmd.Flags().StringVar(&branch, "branch", "main", "Default branch")
	cmd.Flags().StringVar(&autonomy, "autonomy", models.AutonomyGuided, "Autonomy mode: guided or full")
	cmd.Flags().IntVar(&cap, "max-in-progress", 0, "Max in-progress tasks for this repo (0 = unlimited)")
	return cmd
}

func newRepoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			repos, err := st.ListRepos(cmd.Context())
			if err != nil {
				return err
			}
			if len(repos) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No repos.")
				return nil
			}
			for _, r := range repos {
				line := fmt.Sprintf("- %s [%s] %s autonomy=%s", r.Name, r.RepoID, r.SourceURL, r.AutonomyMode)
				if r.MaxInProgress > 0 {
					line += fmt.Sprintf(" cap=%d", r.MaxInProgress)
				}
				if !r.Active {
					line += " (inactive)"
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	return cmd
}

func newRepoImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Register repositories from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			imports, err := config.LoadReposFile(file)
			if err != nil {
				return err
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			for _, r := range imports.Repos {
				autonomy := r.Autonomy
				if autonomy == "" {
					autonomy = models.AutonomyGuided
				}
				if !validAutonomy(autonomy) {
					return fmt.Errorf("repo %q: invalid autonomy %q", r.Name, autonomy)
				}
				repo, err := st.CreateRepo(cmd.Context(), r.Name, r.SourceURL, r.DefaultBranch, autonomy, r.MaxInProgress)
				if err != nil {
					return fmt.Errorf("repo %q: %w", r.Name, err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered repo %q (%s)\n", r.Name, repo.RepoID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to repos YAML file")
	return cmd
}

func newRepoAutonomyCmd() *cobra.Command {
	var name, mode string
	cmd := &cobra.Command{
		Use:   "autonomy",
		Short: "Set a repository's autonomy mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			if !validAutonomy(mode) {
				return errors.New("--mode must be guided or full")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			repo, err := st.GetRepoByName(cmd.Context(), name)
			if err != nil {
				return err
			}
			if err := st.SetRepoAutonomy(cmd.Context(), repo.RepoID, mode); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Repo %q autonomy set to %q\n", name, mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Repository name")
	cmd.Flags().StringVar(&mode, "mode", "", "Autonomy mode: guided or full")
	return cmd
}

func newRepoCapCmd() *cobra.Command {
	var name string
	var cap int
	cmd := &cobra.Command{
		Use:   "cap",
		Short: "Set a repository's max in-progress task cap (0 = unlimited)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			if cap < 0 {
				return errors.New("--max must be >= 0")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			repo, err := st.GetRepoByName(cmd.Context(), name)
			if err != nil {
				return err
			}
			if err := st.SetRepoMaxInProgress(cmd.Context(), repo.RepoID, cap); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Repo %q cap set to %d\n", name, cap)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Repository name")
	cmd.Flags().IntVar(&cap, "max", 0, "Max in-progress tasks (0 = unlimited)")
	return cmd
}
