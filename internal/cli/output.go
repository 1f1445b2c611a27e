package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/anganicrm/clientmanager/internal/models"
)

type userSummary struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	Active            bool   `json:"active"`
	Staff             bool   `json:"staff"`
	TwoFactorEnabled  bool   `json:"twoFactorEnabled"`
	TwoFactorRequired bool   `json:"twoFactorRequired"`
	ActivationLink    string `json:"activationLink,omitempty"`
}

func summarize(user *models.User) userSummary {
	return userSummary{
		ID:                user.ID.String(),
		Email:             user.Email,
		Active:            user.IsActive,
		Staff:             user.IsStaff,
		TwoFactorEnabled:  user.TwoFactorEnabled,
		TwoFactorRequired: user.TwoFactorRequired,
	}
}

func printJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// printUser writes a user as JSON or as an aligned key/value block.
func printUser(w io.Writer, asJSON bool, summary userSummary) {
	if asJSON {
		printJSON(w, summary)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", summary.ID)
	fmt.Fprintf(tw, "Email:\t%s\n", summary.Email)
	fmt.Fprintf(tw, "Active:\t%s\n", yesNo(summary.Active))
	fmt.Fprintf(tw, "Staff:\t%s\n", yesNo(summary.Staff))
	fmt.Fprintf(tw, "2FA enabled:\t%s\n", yesNo(summary.TwoFactorEnabled))
	fmt.Fprintf(tw, "2FA required:\t%s\n", yesNo(summary.TwoFactorRequired))
	if summary.ActivationLink != "" {
		fmt.Fprintf(tw, "Activation link:\t%s\n", summary.ActivationLink)
	}
	tw.Flush()
}
