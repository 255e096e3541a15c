// Package host defines the contract between the save flow and whatever
// surface embeds it (Outlook task pane, document picker, CLI). Hosts declare
// what they can do through an explicit Capabilities value; consumers branch on
// the declaration, never on probing for optional methods.
package host

import (
	"context"
	"errors"

	"github.com/yungbote/officebridge-backend/internal/domain"
)

type Capabilities struct {
	HasItemBody     bool
	HasAttachments  bool
	HasDocumentPath bool
	HasClipboard    bool
	HasNotification bool
}

// ItemInfo describes the item the host currently has open.
type ItemInfo struct {
	ItemID    string
	Subject   string
	MailboxID string
}

type AttachmentInfo struct {
	ID          string
	Name        string
	ContentType string
	Size        int64
}

type Adapter interface {
	Capabilities() Capabilities
	CurrentItem(ctx context.Context) (ItemInfo, error)
	Attachments(ctx context.Context) ([]AttachmentInfo, error)
}

// EntitySearch finds association candidates for the record picker. The actual
// lookup (Dataverse, CRM API) belongs to the embedding host.
type EntitySearch interface {
	Search(ctx context.Context, query string, limit int) ([]domain.AssociationRef, error)
}

// Notifier is the host's toast/notification capability, when declared.
type Notifier interface {
	Notify(ctx context.Context, title string, message string) error
}

// Clipboard is the host's copy capability, when declared.
type Clipboard interface {
	Copy(ctx context.Context, text string) error
}

// Fixed is an Adapter over preloaded values, for hosts without a live item
// (tools, tests).
type Fixed struct {
	Item  ItemInfo
	Files []AttachmentInfo
	Caps  Capabilities
}

func (f *Fixed) Capabilities() Capabilities { return f.Caps }

func (f *Fixed) CurrentItem(_ context.Context) (ItemInfo, error) {
	if f.Item.ItemID == "" {
		return ItemInfo{}, errors.New("host: no current item")
	}
	return f.Item, nil
}

func (f *Fixed) Attachments(_ context.Context) ([]AttachmentInfo, error) {
	if !f.Caps.HasAttachments {
		return nil, errors.New("host: attachments not available")
	}
	out := make([]AttachmentInfo, len(f.Files))
	copy(out, f.Files)
	return out, nil
}
