// Package harvest defines the domain types and collaborator interfaces shared
// by the e-gazette harvesting engine: identifiers, scanned entries, download
// outcomes, and the browser, captcha, delivery and persistence contracts the
// core depends on.
package harvest
