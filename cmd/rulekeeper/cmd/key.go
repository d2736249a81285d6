package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/rulekeeper/internal/core/auth"
	"github.com/solatis/rulekeeper/internal/core/config"
	"github.com/solatis/rulekeeper/internal/core/db"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage project API keys",
}

var keyIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an API key for a project and print it once",
	Args:  cobra.NoArgs,
	RunE:  runKeyIssue,
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyIssueCmd)
	keyIssueCmd.Flags().String("project", "", "project id (created when missing)")
	keyIssueCmd.Flags().String("name", "cli", "key name")
	keyIssueCmd.Flags().String("secret-id", "", "HMAC secret id to sign with (default: the only configured secret)")
	_ = keyIssueCmd.MarkFlagRequired("project")
}

func runKeyIssue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	project, _ := cmd.Flags().GetString("project")
	name, _ := cmd.Flags().GetString("name")
	secretID, _ := cmd.Flags().GetString("secret-id")

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if secretID == "" {
		if len(secrets) != 1 {
			return fmt.Errorf("%d HMAC secrets configured, choose one with --secret-id", len(secrets))
		}
		for id := range secrets {
			secretID = id
		}
	}

	queries, closeDB, err := openQueries()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := db.NewRuleRepository(queries).EnsureProject(ctx, project, project); err != nil {
		return err
	}
	key, err := auth.NewAuthenticator(secrets, queries).IssueKey(ctx, secretID, project, name)
	if err != nil {
		return err
	}

	logger.Info("api key issued", "project", project, "name", name)
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}
