package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/scrapeforge/internal/credits"
)

var (
	userName   string
	userAdmin  bool
	userAmount int
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their credits",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user and print its API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openComponents(cmd)
		if err != nil {
			return err
		}
		defer c.Cleanup()

		store, err := c.openStore(cmd.Context())
		if err != nil {
			return err
		}
		u, key, err := c.newService(store, nil).CreateUser(cmd.Context(), userName, userAdmin, "")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "user:    %s (%s)\n", u.Name, u.ID)
		fmt.Fprintf(out, "credits: %d\n", u.Credits)
		fmt.Fprintf(out, "api key: %s\n", key)
		fmt.Fprintln(cmd.ErrOrStderr(), "The API key is shown once. Store it now.")
		return nil
	},
}

var userCreditCmd = &cobra.Command{
	Use:   "credit <user-id>",
	Short: "Add credits to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		if userAmount <= 0 {
			return fmt.Errorf("--amount must be positive")
		}
		c, err := openComponents(cmd)
		if err != nil {
			return err
		}
		defer c.Cleanup()

		store, err := c.openStore(cmd.Context())
		if err != nil {
			return err
		}
		bal, err := credits.NewStoreLedger(store.Users(), c.logger).Credit(cmd.Context(), id, userAmount)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s now has %d credits\n", id, bal)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openComponents(cmd)
		if err != nil {
			return err
		}
		defer c.Cleanup()

		store, err := c.openStore(cmd.Context())
		if err != nil {
			return err
		}
		users, err := store.Users().List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCREDITS\tADMIN\tCREATED")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", u.ID, u.Name, u.Credits, u.IsAdmin, u.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	userCreateCmd.Flags().StringVar(&userName, "name", "", "user name")
	userCreateCmd.Flags().BoolVar(&userAdmin, "admin", false, "grant admin rights")
	_ = userCreateCmd.MarkFlagRequired("name")
	userCreditCmd.Flags().IntVar(&userAmount, "amount", 0, "credits to add")
	_ = userCreditCmd.MarkFlagRequired("amount")

	userCmd.AddCommand(userCreateCmd, userCreditCmd, userListCmd)
}

// openComponents loads config and builds the shared components with a
// text logger.
func openComponents(cmd *cobra.Command) (*components, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return initComponents(cmd.Context(), cfg, newLogger(cfg, "text"))
}
