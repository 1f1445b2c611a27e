package handlers

import (
	"github.com/anganicrm/clientmanager/internal/middleware"
	"github.com/gofiber/fiber/v2"
)

type Routes struct {
	Auth     *middleware.AuthMiddleware
	Accounts *AccountsHandler
	Clients  *ClientsHandler
	Users    *UsersHandler
	Home     *HomeHandler
}

func Health(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// Register mounts every page and form endpoint. Session loading and the
// 2FA gate are expected to be installed on app beforehand.
func (r Routes) Register(app *fiber.App) {
	app.Get("/health", Health)

	accounts := app.Group("/accounts")
	accounts.Get("/login/", r.Accounts.LoginPage)
	accounts.Post("/login/", r.Accounts.Login)
	accounts.Post("/logout/", r.Accounts.Logout)
	accounts.Get("/register/", r.Accounts.RegisterPage)
	accounts.Post("/register/", r.Accounts.Register)
	accounts.Get("/verify-2fa/", r.Accounts.VerifyPage)
	accounts.Post("/verify-2fa/", r.Accounts.Verify)
	accounts.Get("/setup-2fa/", r.Auth.RequireAuth, r.Accounts.SetupPage)
	accounts.Post("/setup-2fa/", r.Auth.RequireAuth, r.Accounts.Setup)
	accounts.Get("/disable-2fa/", r.Auth.RequireAuth, r.Accounts.DisablePage)
	accounts.Post("/disable-2fa/", r.Auth.RequireAuth, r.Accounts.Disable)
	accounts.Get("/set-password/:uidb64/:token/", r.Accounts.SetPasswordPage)
	accounts.Post("/set-password/:uidb64/:token/", r.Accounts.SetPassword)
	accounts.Get("/resend-activation/", r.Accounts.ResendPage)
	accounts.Post("/resend-activation/", r.Accounts.Resend)
	accounts.Get("/profile/", r.Auth.RequireAuth, r.Accounts.Profile)

	app.Get("/", r.Auth.RequireAuth, r.Home.AccessCenter)

	clients := app.Group("/clients", r.Auth.RequireAuth)
	clients.Get("/", r.Clients.List)
	clients.Post("/", r.Clients.Create)
	clients.Get("/new/", r.Clients.NewPage)
	clients.Get("/notify/", r.Clients.NotifyPage)
	clients.Post("/notify/", r.Clients.Notify)
	clients.Post("/export/", r.Clients.Export)
	clients.Get("/:id/", r.Clients.Get)
	clients.Post("/:id/", r.Clients.Update)
	clients.Get("/:id/delete/", r.Clients.DeleteNotAllowed)
	clients.Post("/:id/delete/", r.Clients.Delete)

	admin := app.Group("/admin/users", r.Auth.RequireAuth, middleware.StaffOnly)
	admin.Get("/", r.Users.List)
	admin.Post("/", r.Users.Invite)
	admin.Post("/:id/2fa-required/", r.Users.SetTwoFactorRequired)
}
