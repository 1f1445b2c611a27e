package handlers

import (
	"github.com/anganicrm/clientmanager/internal/middleware"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/gofiber/fiber/v2"
)

type Section struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Icon     string `json:"icon"`
	BtnClass string `json:"btnClass"`
}

var accessCenterSections = []Section{
	{Title: "3CX", URL: "/3cx/", Icon: "telephone", BtnClass: "primary"},
	{Title: "Domain & Hosting", URL: "/domain/", Icon: "globe", BtnClass: "success"},
	{Title: "Nova", URL: "/nova/", Icon: "lightning-charge", BtnClass: "warning"},
	{Title: "Novapool 4", URL: "/novapool4/", Icon: "cpu", BtnClass: "warning"},
	{Title: "SD-WAN", URL: "/sd-wan/", Icon: "diagram-3", BtnClass: "primary"},
	{Title: "Veeam", URL: "/veeam/", Icon: "shield-check", BtnClass: "success"},
	{Title: "Projects", URL: "/project-manager/", Icon: "kanban", BtnClass: "danger"},
}

type HomeHandler struct {
	Sessions *session.Manager
}

func NewHomeHandler(sessions *session.Manager) *HomeHandler {
	return &HomeHandler{Sessions: sessions}
}

// AccessCenter is the landing page after login.
func (h *HomeHandler) AccessCenter(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	return render(c, h.Sessions, fiber.Map{
		"user":     user,
		"clients":  clientsPath,
		"sections": accessCenterSections,
	})
}
