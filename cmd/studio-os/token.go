package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/monsoonfire/studio-os/internal/store"
	"github.com/spf13/cobra"
)

// newGenTokenCmd prints a fresh token and the bcrypt hash to paste into a
// [[staff_tokens]] config entry. Nothing is stored.
func newGenTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-token",
		Short: "Generate a staff token and its bcrypt hash for static config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			full, hash, _, err := store.GenerateStaffToken()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "token: %s\n", full)
			fmt.Fprintf(w, "hash:  %s\n", hash)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage staff tokens stored in the database",
	}

	create := &cobra.Command{
		Use:   "create <staff-uid> <name>",
		Short: "Issue a token; the plaintext is printed once",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openTokenStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			t, full, err := s.CreateStaffToken(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\ntoken: %s\n", t.ID, full)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list <staff-uid>",
		Short: "List tokens issued to a staff member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openTokenStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			tokens, err := s.ListStaffTokens(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tCREATED\tREVOKED")
			for _, t := range tokens {
				revoked := "-"
				if t.RevokedAt != nil {
					revoked = t.RevokedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.TokenPrefix, t.CreatedAt.Format("2006-01-02 15:04"), revoked)
			}
			return tw.Flush()
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openTokenStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			return s.RevokeStaffToken(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func openTokenStore(cmd *cobra.Command) (*store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cmd.Context(), cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(cmd.Context()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
