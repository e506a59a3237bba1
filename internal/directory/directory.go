// Package directory holds the notification contacts and vehicle display
// aliases. Contacts are a tagged variant: Admin or Driver.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"fleetwatch/internal/model"
)

// Contact is a notification recipient.
type Contact interface {
	Name() string
	Phone() string
	// Receives reports whether an alert of type t about vehicleID goes to
	// this contact.
	Receives(t model.AlertType, vehicleID string) bool
}

// Admin receives every alert type while alerts are enabled.
type Admin struct {
	ContactName  string
	ContactPhone string
	Alerts       bool
}

func (a Admin) Name() string  { return a.ContactName }
func (a Admin) Phone() string { return a.ContactPhone }

func (a Admin) Receives(t model.AlertType, vehicleID string) bool { return a.Alerts }

// Driver receives alerts about their own vehicle, excluding admin-only types.
type Driver struct {
	ContactName  string
	ContactPhone string
	VehicleID    string
	Alerts       bool
}

func (d Driver) Name() string  { return d.ContactName }
func (d Driver) Phone() string { return d.ContactPhone }

func (d Driver) Receives(t model.AlertType, vehicleID string) bool {
	return d.Alerts && !t.AdminOnly() && d.VehicleID != "" && d.VehicleID == strings.TrimSpace(vehicleID)
}

// Recipients filters contacts for an alert.
func Recipients(contacts []Contact, t model.AlertType, vehicleID string) []Contact {
	out := []Contact{}
	for _, c := range contacts {
		if c.Receives(t, vehicleID) {
			out = append(out, c)
		}
	}
	return out
}

type contactRecord struct {
	Category  string          `json:"category"`
	Phone     string          `json:"phone"`
	Name      string          `json:"name"`
	VehicleID json.RawMessage `json:"vehicle_id,omitempty"`
	Alerts    bool            `json:"alerts"`
}

type contactFile struct {
	PhoneNumbers []contactRecord `json:"phone_numbers"`
}

// rawID accepts a vehicle id written as a JSON string or number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Trim(string(raw), `" `)
}

// ParseContacts decodes the {"phone_numbers": [...]} document. Records with
// an unknown category are skipped with a log line.
func ParseContacts(data []byte) ([]Contact, error) {
	var doc contactFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	out := make([]Contact, 0, len(doc.PhoneNumbers))
	for _, r := range doc.PhoneNumbers {
		switch strings.ToLower(strings.TrimSpace(r.Category)) {
		case "admin":
			out = append(out, Admin{ContactName: r.Name, ContactPhone: r.Phone, Alerts: r.Alerts})
		case "driver":
			out = append(out, Driver{ContactName: r.Name, ContactPhone: r.Phone, VehicleID: rawID(r.VehicleID), Alerts: r.Alerts})
		default:
			log.Printf("directory: skipping contact %q with category %q", r.Name, r.Category)
		}
	}
	return out, nil
}

// Directory reads contacts and aliases from JSON files. Both files are re-read
// when their modification time changes.
type Directory struct {
	ContactsPath string
	AliasesPath  string

	mu          sync.Mutex
	contacts    []Contact
	contactsMod int64
	aliases     map[string]string
	aliasesMod  int64
}

func New(contactsPath, aliasesPath string) *Directory {
	return &Directory{ContactsPath: contactsPath, AliasesPath: aliasesPath}
}

// Contacts returns the current contact list.
func (d *Directory) Contacts() ([]Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := os.Stat(d.ContactsPath)
	if err != nil {
		return nil, err
	}
	if d.contacts != nil && st.ModTime().UnixNano() == d.contactsMod {
		return d.contacts, nil
	}
	data, err := os.ReadFile(d.ContactsPath)
	if err != nil {
		return nil, err
	}
	contacts, err := ParseContacts(data)
	if err != nil {
		return nil, err
	}
	d.contacts, d.contactsMod = contacts, st.ModTime().UnixNano()
	return contacts, nil
}

// Aliases returns the vehicle id to display name map. A missing file is an
// empty map.
func (d *Directory) Aliases() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, err := os.Stat(d.AliasesPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}
	}
	if err != nil {
		log.Printf("directory: aliases: %v", err)
		return map[string]string{}
	}
	if d.aliases != nil && st.ModTime().UnixNano() == d.aliasesMod {
		return d.aliases
	}
	data, err := os.ReadFile(d.AliasesPath)
	if err != nil {
		log.Printf("directory: aliases: %v", err)
		return map[string]string{}
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("directory: aliases %s: %v", d.AliasesPath, err)
		return map[string]string{}
	}
	d.aliases, d.aliasesMod = m, st.ModTime().UnixNano()
	return m
}

// Alias returns the display name for a vehicle, or the id itself.
func (d *Directory) Alias(vehicleID string) string {
	id := strings.TrimSpace(vehicleID)
	if a, ok := d.Aliases()[id]; ok && a != "" {
		return a
	}
	return id
}

// AliasedVehicles lists vehicle ids that have an alias, sorted.
func (d *Directory) AliasedVehicles() []string {
	m := d.Aliases()
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
