package review

import (
	"context"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/pkg/notion"
)

// Notion property names of the review database.
const (
	PropTitle      = "Name"
	PropAttempt    = "Attempt"
	PropDocument   = "Document"
	PropStatus     = "Status"
	PropScore      = "Quality Score"
	PropConfidence = "Confidence"
	PropMethod     = "Method"
	PropReasons    = "Reasons"
	PropDashboard  = "Dashboard"
	PropQueued     = "Queued At"
)

// StatusPending is the status given to new review pages.
const StatusPending = "To Review"

// notion caps rich text content at 2000 characters per block.
const maxRichText = 2000

// Notion files review items as pages of a Notion database. An attempt that
// already has a page is updated in place.
type Notion struct {
	client notion.Client
	dbID   string
}

// NewNotion creates a Notion notifier writing to database dbID.
func NewNotion(client notion.Client, dbID string) *Notion {
	return &Notion{client: client, dbID: dbID}
}

// Notify implements Notifier.
func (n *Notion) Notify(ctx context.Context, item Item) error {
	existing, err := notion.FindByRichText(ctx, n.client, n.dbID, PropAttempt, item.AttemptID)
	if err != nil {
		return eris.Wrap(err, "review: look up notion page")
	}

	props := itemProperties(item)
	if len(existing) > 0 {
		pageID := string(existing[0].ID)
		if _, err := n.client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{Properties: props}); err != nil {
			return eris.Wrapf(err, "review: update notion page %s", pageID)
		}
		zap.L().Debug("review: notion page updated", zap.String("attempt_id", item.AttemptID))
		return nil
	}

	_, err = n.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(n.dbID),
		},
		Properties: props,
	})
	if err != nil {
		return eris.Wrap(err, "review: create notion page")
	}
	zap.L().Debug("review: notion page created", zap.String("attempt_id", item.AttemptID))
	return nil
}

func itemProperties(item Item) notionapi.Properties {
	title := item.FileName
	if title == "" {
		title = item.DocumentID
	}
	queued := notionapi.Date(item.CreatedAt)
	if item.CreatedAt.IsZero() {
		queued = notionapi.Date(time.Now().UTC())
	}

	props := notionapi.Properties{
		PropTitle: notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: richText(title),
		},
		PropAttempt:  notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(item.AttemptID)},
		PropDocument: notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(item.DocumentID)},
		PropStatus: notionapi.StatusProperty{
			Status: notionapi.Status{Name: StatusPending},
		},
		PropScore:      notionapi.NumberProperty{Number: item.Overall},
		PropConfidence: notionapi.NumberProperty{Number: item.Confidence},
		PropReasons:    notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(strings.Join(item.Reasons, "\n"))},
		PropQueued: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: &queued},
		},
	}
	if item.Method != "" {
		props[PropMethod] = notionapi.SelectProperty{Select: notionapi.Option{Name: string(item.Method)}}
	}
	if item.DashboardURL != "" {
		props[PropDashboard] = notionapi.URLProperty{URL: item.DashboardURL}
	}
	return props
}

func richText(s string) []notionapi.RichText {
	if r := []rune(s); len(r) > maxRichText {
		s = string(r[:maxRichText])
	}
	return []notionapi.RichText{
		{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}},
	}
}
