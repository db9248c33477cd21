package harvest

import (
	"context"
	"time"
)

// Browser is the automation capability the core drives. Implementations own
// their process and tab; callers never see driver types.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script and decodes its JSON-serialisable result into out
	// (out may be nil).
	Evaluate(ctx context.Context, script string, out any) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	CurrentURL(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	SetDownloadDir(ctx context.Context, dir string) error
	Close() error
}

// Download identifies one browser download by the GUID the browser gave it.
type Download struct {
	GUID              string
	SuggestedFilename string
	URL               string
}

// DownloadEvents is implemented by browsers that report each download as it
// begins. Such browsers save a download under its GUID.
type DownloadEvents interface {
	// DownloadStarts delivers one Download per download the browser begins.
	DownloadStarts() <-chan Download
	CancelDownload(ctx context.Context, guid string) error
}

// BrowserLauncher starts fresh browser instances.
type BrowserLauncher interface {
	Launch(ctx context.Context, downloadDir string) (Browser, error)
}

// CaptchaSolver resolves a reCAPTCHA challenge into a response token.
type CaptchaSolver interface {
	Solve(ctx context.Context, siteKey, pageURL string) (string, error)
}

// Notifier delivers text and files to the operators' channel.
type Notifier interface {
	SendText(ctx context.Context, text string) error
	SendFile(ctx context.Context, path, caption string) error
}

// CodeStore persists the set of known identifiers across restarts.
type CodeStore interface {
	Persist(ctx context.Context, ids []Identifier) error
	Load(ctx context.Context) ([]Identifier, error)
}

// Archived describes where a stored PDF ended up.
type Archived struct {
	// URI names the stored object (a path for local storage, gs:// for GCS).
	URI string
	// Path is where the file now lives on local disk.
	Path string
	// Transient reports that Path only survives for delivery. The archive
	// already holds the durable copy.
	Transient bool
}

// Archive stores a finished PDF.
type Archive interface {
	Store(ctx context.Context, localPath string) (Archived, error)
}

// Publisher fans out announcement notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
