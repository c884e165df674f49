package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll follows the cursor of a database query until every matching page
// has been read. Filter, sorts and page size are taken from q, which may be
// nil.
func QueryAll(ctx context.Context, c Client, dbID string, q *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	req := &notionapi.DatabaseQueryRequest{}
	if q != nil {
		req.Filter = q.Filter
		req.Sorts = q.Sorts
		req.PageSize = q.PageSize
	}

	var pages []notionapi.Page
	for {
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrapf(err, "notion: query all (%d pages read)", len(pages))
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		next := *req
		next.StartCursor = resp.NextCursor
		req = &next
	}
}

// FindByRichText returns the pages whose rich text property equals value.
func FindByRichText(ctx context.Context, c Client, dbID, property, value string) ([]notionapi.Page, error) {
	pages, err := QueryAll(ctx, c, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: property,
			RichText: &notionapi.TextFilterCondition{Equals: value},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: find %s=%s", property, value)
	}
	return pages, nil
}
