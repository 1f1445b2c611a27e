package models

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type ClientType string

const (
	ClientTypeIndividual ClientType = "Individual"
	ClientTypeCompany    ClientType = "Company"
)

// PointsOfPresence is the fixed set of sites a client can be served from.
var PointsOfPresence = []string{
	"ADC NBO",
	"Icolo NBO",
	"Icolo MBA",
	"IXAfrica NBO",
	"Raxio UG",
	"Tanzania",
}

var phonePattern = regexp.MustCompile(`^\+?\d{7,15}$`)

type Client struct {
	BaseModel
	ClientType      ClientType `json:"clientType" gorm:"type:varchar(20);not null;default:'Company'"`
	Name            string     `json:"name" gorm:"type:varchar(100);not null;index;uniqueIndex:idx_client_name_email"`
	ContactPerson   string     `json:"contactPerson" gorm:"type:varchar(100)"`
	PrimaryEmail    string     `json:"primaryEmail" gorm:"type:varchar(254);not null;index;uniqueIndex:idx_client_name_email"`
	SecondaryEmail  string     `json:"secondaryEmail" gorm:"type:varchar(254)"`
	PhoneNumber     string     `json:"phoneNumber" gorm:"type:varchar(20);not null"`
	PointOfPresence string     `json:"pointOfPresence" gorm:"type:varchar(200);not null;default:''"`
	CreatedByID     *uuid.UUID `json:"createdByID,omitempty" gorm:"type:uuid"`
	UpdatedByID     *uuid.UUID `json:"updatedByID,omitempty" gorm:"type:uuid"`
}

func (Client) TableName() string {
	return "clients"
}

func (c *Client) POPs() []string {
	var pops []string
	for _, pop := range strings.Split(c.PointOfPresence, ",") {
		if pop = strings.TrimSpace(pop); pop != "" {
			pops = append(pops, pop)
		}
	}
	return pops
}

// SetPOPs stores pops in the order of PointsOfPresence without duplicates.
// Unknown values are kept at the end so Validate can report them.
func (c *Client) SetPOPs(pops []string) {
	seen := map[string]bool{}
	for _, pop := range pops {
		seen[strings.TrimSpace(pop)] = true
	}
	var ordered []string
	for _, pop := range PointsOfPresence {
		if seen[pop] {
			ordered = append(ordered, pop)
			delete(seen, pop)
		}
	}
	for _, pop := range pops {
		pop = strings.TrimSpace(pop)
		if pop != "" && seen[pop] {
			ordered = append(ordered, pop)
			delete(seen, pop)
		}
	}
	c.PointOfPresence = strings.Join(ordered, ",")
}

func (c *Client) HasPOP(pop string) bool {
	for _, p := range c.POPs() {
		if p == pop {
			return true
		}
	}
	return false
}

func IsValidPOP(pop string) bool {
	for _, p := range PointsOfPresence {
		if p == pop {
			return true
		}
	}
	return false
}

func IsValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// Validate returns field errors keyed by JSON field name; nil means valid.
func (c *Client) Validate() map[string]string {
	errs := map[string]string{}

	switch c.ClientType {
	case ClientTypeIndividual, ClientTypeCompany:
	default:
		errs["clientType"] = "Select a valid client type."
	}
	if strings.TrimSpace(c.Name) == "" {
		errs["name"] = "This field is required."
	}
	if c.ClientType == ClientTypeCompany && strings.TrimSpace(c.ContactPerson) == "" {
		errs["contactPerson"] = "Contact person is required for company clients."
	}
	if !IsValidEmail(c.PrimaryEmail) {
		errs["primaryEmail"] = "Enter a valid email address."
	}
	if c.SecondaryEmail != "" && !IsValidEmail(c.SecondaryEmail) {
		errs["secondaryEmail"] = "Enter a valid email address."
	}
	if !phonePattern.MatchString(c.PhoneNumber) {
		errs["phoneNumber"] = "Enter a valid phone number."
	}
	for _, pop := range c.POPs() {
		if !IsValidPOP(pop) {
			errs["pointOfPresence"] = "Select a valid point of presence."
			break
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
