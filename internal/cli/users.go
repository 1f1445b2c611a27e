package cli

import (
	"errors"
	"fmt"

	"github.com/anganicrm/clientmanager/internal/database"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("no account with that email")

func (a *App) findUser(cmd *cobra.Command, email string) (*models.User, error) {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var user models.User
	err := a.DB.WithContext(ctx).Where("email = ?", models.NormalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &user, nil
}

func newMigrateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Migrate(app.DB); err != nil {
				return fmt.Errorf("migrating: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
}

func newCreateSuperuserCmd(app *App) *cobra.Command {
	var email, password, firstName, lastName string

	cmd := &cobra.Command{
		Use:   "createsuperuser",
		Short: "Create an active staff account with a password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fields := services.ValidateNewPassword(password, password); fields != nil {
				msg := fields["new_password2"]
				if msg == "" {
					msg = fields["new_password1"]
				}
				return fmt.Errorf("invalid password: %s", msg)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			user, err := app.Invitations.CreateInactiveUser(ctx, services.NewAccount{
				Email:     email,
				Password:  password,
				FirstName: firstName,
				LastName:  lastName,
				IsStaff:   true,
			})
			if err != nil {
				return fmt.Errorf("creating superuser: %w", err)
			}
			if err := app.DB.WithContext(ctx).Model(user).Update("is_active", true).Error; err != nil {
				return fmt.Errorf("activating superuser: %w", err)
			}
			user.IsActive = true

			logger.Info("superuser_created", map[string]interface{}{
				"user_id": user.ID.String(),
				"email":   user.Email,
			})
			printUser(cmd.OutOrStdout(), app.flagJSON, summarize(user))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (required)")
	cmd.Flags().StringVar(&firstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "Last name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newInviteCmd(app *App) *cobra.Command {
	var (
		email, firstName, lastName string
		staff, requireTwoFactor    bool
		noEmail                    bool
	)

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Create an inactive account and send its activation link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			user, err := app.Invitations.CreateInactiveUser(ctx, services.NewAccount{
				Email:             email,
				FirstName:         firstName,
				LastName:          lastName,
				IsStaff:           staff,
				TwoFactorRequired: requireTwoFactor,
			})
			if err != nil {
				return fmt.Errorf("creating account: %w", err)
			}

			summary := summarize(user)
			if noEmail {
				link, err := app.Invitations.ActivationLink(user)
				if err != nil {
					return fmt.Errorf("building activation link: %w", err)
				}
				summary.ActivationLink = link
			} else if err := app.Invitations.SendWelcome(ctx, user); err != nil {
				return fmt.Errorf("account created but the welcome email failed: %w", err)
			}

			logger.Info("user_invited_cli", map[string]interface{}{
				"user_id":             user.ID.String(),
				"email":               user.Email,
				"two_factor_required": user.TwoFactorRequired,
				"emailed":             !noEmail,
			})
			printUser(cmd.OutOrStdout(), app.flagJSON, summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&firstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "Last name")
	cmd.Flags().BoolVar(&staff, "staff", false, "Grant staff access")
	cmd.Flags().BoolVar(&requireTwoFactor, "require-2fa", false, "Require 2FA enrolment on first login")
	cmd.Flags().BoolVar(&noEmail, "no-email", false, "Print the activation link instead of emailing it")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRequireTwoFactorCmd(app *App) *cobra.Command {
	var (
		email string
		off   bool
	)

	cmd := &cobra.Command{
		Use:   "require-2fa",
		Short: "Make 2FA mandatory for an account, or lift the requirement with --off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := app.findUser(cmd, email)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			required := !off
			if err := app.DB.WithContext(ctx).Model(user).Update("two_factor_required", required).Error; err != nil {
				return fmt.Errorf("updating user: %w", err)
			}
			user.TwoFactorRequired = required

			logger.Info("2fa_requirement_changed_cli", map[string]interface{}{
				"user_id":  user.ID.String(),
				"required": required,
			})
			printUser(cmd.OutOrStdout(), app.flagJSON, summarize(user))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().BoolVar(&off, "off", false, "Remove the requirement instead of setting it")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// newResetTwoFactorCmd covers users who lost their authenticator. A user
// who is still required to use 2FA is sent back through setup on next login.
func newResetTwoFactorCmd(app *App) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "reset-2fa",
		Short: "Disable 2FA and discard the stored secret for an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := app.findUser(cmd, email)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			if err := app.TOTP.Disable(ctx, user); err != nil {
				return fmt.Errorf("resetting 2FA: %w", err)
			}

			logger.Info("2fa_reset_cli", map[string]interface{}{
				"user_id": user.ID.String(),
			})
			printUser(cmd.OutOrStdout(), app.flagJSON, summarize(user))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
