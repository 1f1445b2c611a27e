package handlers

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/anganicrm/clientmanager/internal/database"
	"github.com/anganicrm/clientmanager/internal/middleware"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const exportFilename = "Angani_Clients.csv"

var exportHeader = []string{"Name", "Client Type", "Contact Person", "Primary Email", "Secondary Email", "Phone Number"}

// signatureBlocks maps the notification form's signature choice to the
// block appended under the message body. Unknown keys are used verbatim.
var signatureBlocks = map[string]string{
	"support":  "Angani Support Team",
	"noc":      "Angani Network Operations Centre",
	"accounts": "Angani Accounts",
}

type ClientsHandler struct {
	DB       *gorm.DB
	Sessions *session.Manager
	Audit    *services.AuditService
	Notifier *services.Notifier
	Mailer   services.Mailer
}

func NewClientsHandler(db *gorm.DB, sessions *session.Manager, audit *services.AuditService, notifier *services.Notifier, mailer services.Mailer) *ClientsHandler {
	return &ClientsHandler{
		DB:       db,
		Sessions: sessions,
		Audit:    audit,
		Notifier: notifier,
		Mailer:   mailer,
	}
}

type clientRequest struct {
	ClientType      string   `json:"clientType" form:"client_type"`
	Name            string   `json:"name" form:"name"`
	ContactPerson   string   `json:"contactPerson" form:"contact_person"`
	PrimaryEmail    string   `json:"primaryEmail" form:"primary_email"`
	SecondaryEmail  string   `json:"secondaryEmail" form:"secondary_email"`
	PhoneNumber     string   `json:"phoneNumber" form:"phone_number"`
	PointOfPresence []string `json:"pointOfPresence" form:"point_of_presence"`
}

func (r clientRequest) apply(client *models.Client) {
	client.ClientType = models.ClientType(strings.TrimSpace(r.ClientType))
	client.Name = strings.TrimSpace(r.Name)
	client.ContactPerson = strings.TrimSpace(r.ContactPerson)
	client.PrimaryEmail = strings.ToLower(strings.TrimSpace(r.PrimaryEmail))
	client.SecondaryEmail = strings.ToLower(strings.TrimSpace(r.SecondaryEmail))
	client.PhoneNumber = strings.TrimSpace(r.PhoneNumber)
	client.SetPOPs(r.PointOfPresence)
}

type notifyRequest struct {
	BccEmails string `json:"bccEmails" form:"bcc_emails"`
	Subject   string `json:"subject" form:"subject"`
	Signature string `json:"signature" form:"signature"`
	Body      string `json:"body" form:"body"`
}

type exportRequest struct {
	Emails string `json:"emails" form:"emails"`
}

func clientChoices() fiber.Map {
	return fiber.Map{
		"clientTypes":      []models.ClientType{models.ClientTypeIndividual, models.ClientTypeCompany},
		"pointsOfPresence": models.PointsOfPresence,
	}
}

// List returns one page of clients matching the search and filters.
func (h *ClientsHandler) List(c *fiber.Ctx) error {
	search := strings.TrimSpace(c.Query("search"))
	clientType := strings.TrimSpace(c.Query("client_type"))
	pop := strings.TrimSpace(c.Query("pop"))

	query := h.DB.WithContext(c.UserContext()).Model(&models.Client{})
	if search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(name) LIKE ? OR LOWER(primary_email) LIKE ? OR LOWER(secondary_email) LIKE ? OR LOWER(contact_person) LIKE ? OR phone_number LIKE ?",
			like, like, like, like, "%"+search+"%",
		)
	}
	if clientType != "" {
		query = query.Where("client_type = ?", clientType)
	}
	if pop != "" {
		query = query.Where("(',' || point_of_presence || ',') LIKE ?", "%,"+pop+",%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		logger.Error("client_list_count_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list clients")
	}

	params := utils.ParsePagination(c)
	var clients []models.Client
	if err := utils.ApplyPagination(query.Order("name ASC").Order("primary_email ASC"), params).Find(&clients).Error; err != nil {
		logger.Error("client_list_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list clients")
	}

	extra := clientChoices()
	extra["messages"] = h.Sessions.PopMessages(c)
	extra["csrfToken"] = middleware.CSRFToken(c)
	extra["filters"] = fiber.Map{
		"search":     search,
		"clientType": clientType,
		"pop":        pop,
	}
	return utils.Paginated(c, clients, params.Page, params.PageSize, total, extra)
}

func (h *ClientsHandler) load(c *fiber.Ctx) (*models.Client, error) {
	id, err := parseUUID(c.Params("id"))
	if err != nil {
		return nil, utils.Error(c, fiber.StatusNotFound, "client not found")
	}
	var client models.Client
	if err := h.DB.WithContext(c.UserContext()).First(&client, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Error(c, fiber.StatusNotFound, "client not found")
		}
		logger.Error("client_load_failed", err, map[string]interface{}{"client_id": id.String()})
		return nil, utils.Error(c, fiber.StatusInternalServerError, "failed to load client")
	}
	return &client, nil
}

func (h *ClientsHandler) Get(c *fiber.Ctx) error {
	client, err := h.load(c)
	if client == nil {
		return err
	}
	data := clientChoices()
	data["client"] = client
	return render(c, h.Sessions, data)
}

func (h *ClientsHandler) NewPage(c *fiber.Ctx) error {
	return render(c, h.Sessions, clientChoices())
}

func duplicateClientError(c *fiber.Ctx) error {
	return utils.FieldErrors(c, "Please correct the errors below.", map[string]string{
		"name": "Client with this Name and Primary email already exists.",
	})
}

func (h *ClientsHandler) Create(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	var req clientRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	client := models.Client{CreatedByID: &user.ID, UpdatedByID: &user.ID}
	req.apply(&client)
	if fields := client.Validate(); fields != nil {
		return utils.FieldErrors(c, "Please correct the errors below.", fields)
	}

	if err := h.DB.WithContext(c.UserContext()).Create(&client).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return duplicateClientError(c)
		}
		logger.ErrorWithUser(user.ID.String(), "client_create_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to create client")
	}

	logger.InfoWithUser(user.ID.String(), "client_created", map[string]interface{}{
		"client_id": client.ID.String(),
		"name":      client.Name,
	})
	audit(c, h.Audit, user, models.AuditActionClientCreate, "client", &client.ID, map[string]interface{}{
		"name": client.Name,
	})
	h.Notifier.NotifyClientChange(c.UserContext(), models.AuditActionClientCreate, client.Name, user)

	return flashRedirect(c, h.Sessions, session.LevelSuccess, "Client added successfully.", clientsPath)
}

// changedFields lists the columns that differ between before and after.
func changedFields(before, after *models.Client) []string {
	var changed []string
	check := func(column string, a, b string) {
		if a != b {
			changed = append(changed, column)
		}
	}
	check("client_type", string(before.ClientType), string(after.ClientType))
	check("name", before.Name, after.Name)
	check("contact_person", before.ContactPerson, after.ContactPerson)
	check("primary_email", before.PrimaryEmail, after.PrimaryEmail)
	check("secondary_email", before.SecondaryEmail, after.SecondaryEmail)
	check("phone_number", before.PhoneNumber, after.PhoneNumber)
	check("point_of_presence", before.PointOfPresence, after.PointOfPresence)
	return changed
}

func (h *ClientsHandler) Update(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	client, err := h.load(c)
	if client == nil {
		return err
	}
	detailPath := clientsPath + client.ID.String() + "/"

	var req clientRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updated := *client
	req.apply(&updated)
	if fields := updated.Validate(); fields != nil {
		return utils.FieldErrors(c, "Please correct the errors below.", fields)
	}

	changed := changedFields(client, &updated)
	if len(changed) == 0 {
		return flashRedirect(c, h.Sessions, session.LevelWarning, "No changes detected.", detailPath)
	}

	updated.UpdatedByID = &user.ID
	if err := h.DB.WithContext(c.UserContext()).Save(&updated).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return duplicateClientError(c)
		}
		logger.ErrorWithUser(user.ID.String(), "client_update_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to update client")
	}

	audit(c, h.Audit, user, models.AuditActionClientUpdate, "client", &updated.ID, map[string]interface{}{
		"name":    updated.Name,
		"changed": changed,
	})
	h.Notifier.NotifyClientChange(c.UserContext(), models.AuditActionClientUpdate, updated.Name, user)

	return flashRedirect(c, h.Sessions, session.LevelSuccess, "Client updated successfully.", detailPath)
}

func (h *ClientsHandler) DeleteNotAllowed(c *fiber.Ctx) error {
	return flashRedirect(c, h.Sessions, session.LevelError, "Invalid request. Deletion only allowed via POST.",
		clientsPath+c.Params("id")+"/")
}

func (h *ClientsHandler) Delete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	client, err := h.load(c)
	if client == nil {
		return err
	}

	if err := h.DB.WithContext(c.UserContext()).Delete(client).Error; err != nil {
		logger.ErrorWithUser(user.ID.String(), "client_delete_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete client")
	}

	audit(c, h.Audit, user, models.AuditActionClientDelete, "client", &client.ID, map[string]interface{}{
		"name": client.Name,
	})
	h.Notifier.NotifyClientChange(c.UserContext(), models.AuditActionClientDelete, client.Name, user)

	return flashRedirect(c, h.Sessions, session.LevelSuccess, "Client deleted successfully.", clientsPath)
}

// Export writes the selected clients, matched by primary email, as CSV.
func (h *ClientsHandler) Export(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	var req exportRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	var emails []string
	for _, email := range strings.Split(req.Emails, ",") {
		if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
			emails = append(emails, email)
		}
	}

	var clients []models.Client
	if len(emails) > 0 {
		if err := h.DB.WithContext(c.UserContext()).
			Where("primary_email IN ?", emails).
			Order("name ASC").
			Find(&clients).Error; err != nil {
			logger.ErrorWithUser(user.ID.String(), "client_export_failed", err, nil)
			return utils.Error(c, fiber.StatusInternalServerError, "failed to export clients")
		}
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	_ = writer.Write(exportHeader)
	for _, client := range clients {
		_ = writer.Write([]string{
			client.Name,
			string(client.ClientType),
			client.ContactPerson,
			client.PrimaryEmail,
			client.SecondaryEmail,
			client.PhoneNumber,
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		logger.ErrorWithUser(user.ID.String(), "client_export_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to export clients")
	}

	audit(c, h.Audit, user, models.AuditActionClientExport, "client", nil, map[string]interface{}{
		"count": len(clients),
	})

	c.Set(fiber.HeaderContentType, "text/csv")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", exportFilename))
	return c.Status(fiber.StatusOK).Send(buf.Bytes())
}

func (h *ClientsHandler) NotifyPage(c *fiber.Ctx) error {
	var emails []string
	for _, email := range strings.Split(c.Query("emails"), ",") {
		if email = strings.TrimSpace(email); email != "" {
			emails = append(emails, email)
		}
	}
	if len(emails) == 0 {
		return flashRedirect(c, h.Sessions, session.LevelError, "No email addresses provided.", clientsPath)
	}

	signatures := make([]string, 0, len(signatureBlocks))
	for key := range signatureBlocks {
		signatures = append(signatures, key)
	}
	sort.Strings(signatures)
	return render(c, h.Sessions, fiber.Map{
		"emails":     emails,
		"bccEmails":  strings.Join(emails, ","),
		"signatures": signatures,
	})
}

// Notify sends one BCC email to the valid addresses among the selection
// and announces it on the chat channel.
func (h *ClientsHandler) Notify(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	var req notifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	valid, invalid := splitEmails(req.BccEmails)
	fields := map[string]string{}
	if len(valid) == 0 {
		fields["bcc_emails"] = "No valid Bcc email addresses provided."
	}
	if strings.TrimSpace(req.Subject) == "" {
		fields["subject"] = "This field is required."
	}
	if strings.TrimSpace(req.Body) == "" {
		fields["body"] = "This field is required."
	}
	if len(fields) > 0 {
		return utils.FieldErrors(c, "Please correct the errors below.", fields)
	}

	if len(invalid) > 0 {
		h.Sessions.AddMessage(c, session.LevelWarning, "Ignoring invalid email(s): "+strings.Join(invalid, ", "))
	}

	signature, ok := signatureBlocks[req.Signature]
	if !ok {
		signature = req.Signature
	}
	if err := h.Mailer.Send(c.UserContext(), services.Message{
		Bcc:     valid,
		Subject: req.Subject,
		Text:    fmt.Sprintf("%s\n\n--\n%s", req.Body, signature),
		HTML:    fmt.Sprintf("%s<br><br>--<br>%s", req.Body, signature),
	}); err != nil {
		logger.ErrorWithUser(user.ID.String(), "client_notify_failed", err, map[string]interface{}{
			"recipients": len(valid),
		})
		return flashRedirect(c, h.Sessions, session.LevelError, "Failed to send notification. Please try again.", clientsPath)
	}

	audit(c, h.Audit, user, models.AuditActionClientNotify, "client", nil, map[string]interface{}{
		"subject":    req.Subject,
		"recipients": len(valid),
		"ignored":    len(invalid),
	})
	h.Notifier.NotifyBulkEmail(c.UserContext(), req.Subject, len(valid), user)

	return flashRedirect(c, h.Sessions, session.LevelSuccess, fmt.Sprintf("Notification sent to %d recipient(s).", len(valid)), clientsPath)
}
