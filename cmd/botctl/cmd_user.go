package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/dailybot/internal/bootstrap"
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/spf13/cobra"
)

func newUserCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and repair user records",
	}

	show := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print a user record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCore(cmd.Context(), func(core *bootstrap.Core) error {
				u, err := core.Store.GetUser(cmd.Context(), args[0])
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("user %s not found", args[0])
				}
				if err != nil {
					return err
				}
				view := struct {
					*domain.User
					Credentials map[domain.Provider]bool `json:"stored_credentials"`
				}{User: u, Credentials: map[domain.Provider]bool{}}
				for _, p := range domain.Providers {
					ok, err := core.Store.HasCredential(cmd.Context(), u.UserID, p)
					if err != nil {
						return err
					}
					view.Credentials[p] = ok
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Restart onboarding for a user",
		Long: `Clears the onboarding flags so the next message starts the welcome dialog
again. Stored credential material is kept and overwritten on re-entry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCore(cmd.Context(), func(core *bootstrap.Core) error {
				if _, err := core.Store.GetUser(cmd.Context(), args[0]); err != nil {
					return err
				}
				flags := make(map[domain.Provider]domain.CredentialStatus, len(domain.Providers))
				for _, p := range domain.Providers {
					flags[p] = domain.CredentialUnset
				}
				_, err := core.Store.MergeUpdate(cmd.Context(), args[0], domain.UserPatch{
					OnboardingStarted:   domain.Ptr(false),
					OnboardingCompleted: domain.Ptr(false),
					OnboardingStep:      domain.Ptr(domain.StepWelcome),
					DemoMode:            domain.Ptr(false),
					CredentialFlags:     flags,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset onboarding for %s\n", args[0])
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete a user with credentials and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withCore(cmd.Context(), func(core *bootstrap.Core) error {
				if err := core.Store.DeleteUser(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(show, reset, del)
	return cmd
}
