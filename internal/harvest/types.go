package harvest

import (
	"regexp"
	"time"
)

// Identifier is the enterprise code ("MÃ SỐ DN") naming one announcement.
type Identifier string

// String implements fmt.Stringer.
func (id Identifier) String() string {
	return string(id)
}

var identifierPattern = regexp.MustCompile(`MÃ SỐ DN:\s*([0-9]{10,13})`)

// ExtractIdentifier pulls the enterprise code out of a result row's text.
func ExtractIdentifier(text string) (Identifier, bool) {
	m := identifierPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return Identifier(m[1]), true
}

// Trigger locates the download control of one result row.
type Trigger struct {
	// Selector is a CSS selector unique to the control on the current page.
	Selector string `json:"selector"`
	// Variant names the selector rule that matched (id, name, submit, button).
	Variant string `json:"variant"`
}

// Entry is an unseen result row paired with its download control.
type Entry struct {
	Identifier Identifier `json:"identifier"`
	Trigger    Trigger    `json:"trigger"`
	Row        int        `json:"row"`
}

// PaginationState is read from the live listing; it is never cached.
type PaginationState struct {
	Current   int   `json:"current"`
	Available []int `json:"available"`
}

// Has reports whether page is among the available pages.
func (s PaginationState) Has(page int) bool {
	for _, p := range s.Available {
		if p == page {
			return true
		}
	}
	return false
}

// ScanResult is the output of one listing scan.
type ScanResult struct {
	Entries []Entry
	// FirstIdentifier is the first code on the page, duplicates included.
	FirstIdentifier Identifier
	// Rows is the number of data rows read.
	Rows int
}

// Outcome is the structured result of one download task.
type Outcome struct {
	Identifier Identifier    `json:"identifier"`
	Success    bool          `json:"success"`
	Path       string        `json:"path,omitempty"`
	ArchiveURI string        `json:"archive_uri,omitempty"`
	SHA256     string        `json:"sha256,omitempty"`
	Strategy   string        `json:"strategy,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Worker     int           `json:"worker"`
	Duration   time.Duration `json:"duration"`
	// Transient marks Path as a spare copy of an archived object. It is
	// removed once delivered.
	Transient bool `json:"-"`
}

// Cookie is a browser cookie copied between sessions.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
}

// Succeeded returns the identifiers of successful outcomes, in order.
func Succeeded(outcomes []Outcome) []Identifier {
	var ids []Identifier
	for _, o := range outcomes {
		if o.Success {
			ids = append(ids, o.Identifier)
		}
	}
	return ids
}

// Failed returns the identifiers of failed outcomes, in order.
func Failed(outcomes []Outcome) []Identifier {
	var ids []Identifier
	for _, o := range outcomes {
		if !o.Success {
			ids = append(ids, o.Identifier)
		}
	}
	return ids
}
