// Package sending defines the collaborator contracts the campaign sender and
// the automation engine deliver through.
//
// Template rendering, link signing and the email provider itself live
// outside the engine. The mailing package supplies the renderer and link
// builder; the provider transport is wired in by the process that embeds
// the engine.
package sending

import (
	"context"

	"github.com/ignite/audience-engine/internal/domain"
)

// Mailer hands one fully-rendered message to the email provider. It returns
// an error on transport failure. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg *domain.EmailMessage) error
}

// MailerFunc adapts a function to Mailer.
type MailerFunc func(ctx context.Context, msg *domain.EmailMessage) error

// Send implements Mailer.
func (f MailerFunc) Send(ctx context.Context, msg *domain.EmailMessage) error { return f(ctx, msg) }

// Rendered is the output of a template render.
type Rendered struct {
	Subject string
	HTML    string
}

// Renderer fills a stored template with per-recipient merge data. Any error
// aborts that recipient's send, which is then recorded as FAILED.
type Renderer interface {
	Render(tpl *domain.Template, data map[string]interface{}) (*Rendered, error)
}

// LinkBuilder produces signed, tenant-scoped, stateless links. Links are
// built per recipient just before the send.
type LinkBuilder interface {
	UnsubscribeURL(tenantID, email string) (string, error)
	PreferencesURL(tenantID, email string) (string, error)
}

// Notifier delivers an internal alert to the organiser (NOTIFY steps).
type Notifier interface {
	Notify(ctx context.Context, tenantID, subject, message string) error
}

// MergeData builds the render context shared by campaign and automation
// sends.
func MergeData(c *domain.Contact, unsubscribeURL, preferencesURL string) map[string]interface{} {
	return map[string]interface{}{
		"first_name":      c.FirstName,
		"last_name":       c.LastName,
		"name":            c.DisplayName(),
		"email":           c.Email,
		"town":            c.Town,
		"unsubscribe_url": unsubscribeURL,
		"preferences_url": preferencesURL,
	}
}

// ListUnsubscribeHeaders returns the RFC 8058 one-click headers.
func ListUnsubscribeHeaders(unsubscribeURL string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      "<" + unsubscribeURL + ">",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}
