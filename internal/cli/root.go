package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/anganicrm/clientmanager/internal/database"
	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/pkg/invitetoken"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// App holds what the commands share. Fields left nil are built from the
// environment when the first command runs.
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Mailer      services.Mailer
	Invitations *services.InvitationService
	TOTP        *services.TOTPService

	AuditUploader services.AuditUploader

	flagJSON bool
}

// NewRootCmd assembles crmctl. Tests pass an App with DB and Mailer set.
func NewRootCmd(app *App) *cobra.Command {
	if app == nil {
		app = &App{}
	}

	root := &cobra.Command{
		Use:   "crmctl",
		Short: "Client Manager administration",
		Long: `crmctl manages Client Manager accounts from the terminal.

Examples:
  crmctl createsuperuser --email admin@example.com --password ...
  crmctl invite --email new.hire@example.com --require-2fa
  crmctl require-2fa --email someone@example.com --off`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init()
		},
	}
	root.PersistentFlags().BoolVar(&app.flagJSON, "json", false, "Output as JSON")

	root.AddCommand(
		newMigrateCmd(app),
		newCreateSuperuserCmd(app),
		newInviteCmd(app),
		newRequireTwoFactorCmd(app),
		newResetTwoFactorCmd(app),
		newExportAuditCmd(app),
	)
	return root
}

func (a *App) init() error {
	if a.Config == nil {
		a.Config = config.Load()
	}
	utils.ConfigureSealing(a.Config.Security.SecretKey)

	if a.DB == nil {
		db, err := database.Connect(a.Config.DB)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		a.DB = db
	}
	if a.Mailer == nil {
		a.Mailer = services.NewMailer(a.Config.Mail)
	}
	if a.Invitations == nil {
		tokens := invitetoken.New(a.Config.Security.SecretKey, a.Config.InvitationMaxAge())
		a.Invitations = services.NewInvitationService(a.DB, tokens, a.Mailer, a.Config.Server.SiteURL)
	}
	if a.TOTP == nil {
		a.TOTP = services.NewTOTPService(a.DB, a.Config.TOTP.Issuer)
	}
	return nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, time.Minute)
}

// Execute runs crmctl against the process environment.
func Execute() error {
	return ExecuteWith(nil, os.Args[1:], os.Stdout, os.Stderr)
}

func ExecuteWith(app *App, args []string, stdout, stderr io.Writer) error {
	root := NewRootCmd(app)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return err
	}
	return nil
}
