package gdrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// listPageSize is the pageSize for children listings. 1000 is the Drive
// maximum.
const listPageSize = 1000

type fileList struct {
	NextPageToken string `json:"nextPageToken"`
	Files         []Item `json:"files"`
}

// escapeQuery escapes a value for use inside a single-quoted Drive query
// string literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// FindOrCreateFolder returns the id of a non-trashed folder named name
// under parentID (or anywhere in the drive when parentID is empty),
// creating it when none exists. With several matches the first returned
// by Drive wins.
func (c *Client) FindOrCreateFolder(
	ctx context.Context, creds Credentials, name, parentID, description string,
) (string, error) {
	name = norm.NFC.String(name)

	q := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), FolderMimeType)
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}

	query := url.Values{
		"q":        {q},
		"spaces":   {"drive"},
		"fields":   {"files(id,name)"},
		"pageSize": {"1"},
	}

	var found fileList
	if err := c.doJSON(ctx, creds, http.MethodGet, "/files", query, nil, &found); err != nil {
		return "", fmt.Errorf("gdrive: finding folder %q: %w", name, err)
	}

	if len(found.Files) > 0 {
		c.logger.Debug("reusing existing folder",
			slog.String("name", name),
			slog.String("folder_id", found.Files[0].ID),
		)

		return found.Files[0].ID, nil
	}

	meta := map[string]any{
		"name":     name,
		"mimeType": FolderMimeType,
	}

	if parentID != "" {
		meta["parents"] = []string{parentID}
	}

	if description != "" {
		meta["description"] = description
	}

	var created Item
	if err := c.doJSON(ctx, creds, http.MethodPost, "/files", url.Values{"fields": {"id"}}, meta, &created); err != nil {
		return "", fmt.Errorf("gdrive: creating folder %q: %w", name, err)
	}

	c.logger.Info("created folder",
		slog.String("name", name),
		slog.String("folder_id", created.ID),
		slog.String("parent_id", parentID),
	)

	return created.ID, nil
}

// ListChildren returns every non-trashed direct child of folderID,
// following pagination.
func (c *Client) ListChildren(ctx context.Context, creds Credentials, folderID string) ([]Item, error) {
	query := url.Values{
		"q":        {fmt.Sprintf("'%s' in parents and trashed=false", escapeQuery(folderID))},
		"fields":   {"nextPageToken,files(id,name,mimeType,size)"},
		"pageSize": {fmt.Sprint(listPageSize)},
	}

	var items []Item

	for {
		var page fileList
		if err := c.doJSON(ctx, creds, http.MethodGet, "/files", query, nil, &page); err != nil {
			return nil, fmt.Errorf("gdrive: listing children of %s: %w", folderID, err)
		}

		items = append(items, page.Files...)

		if page.NextPageToken == "" {
			return items, nil
		}

		query.Set("pageToken", page.NextPageToken)
	}
}

// FolderSize sums the sizes of the direct children of folderID. Nested
// folders are not descended into.
func (c *Client) FolderSize(ctx context.Context, creds Credentials, folderID string) (int64, error) {
	items, err := c.ListChildren(ctx, creds, folderID)
	if err != nil {
		return 0, err
	}

	var total int64
	for i := range items {
		total += items[i].Size
	}

	return total, nil
}

// DeleteFile permanently deletes a file, bypassing the trash. A file that
// is already gone counts as deleted.
func (c *Client) DeleteFile(ctx context.Context, creds Credentials, fileID string) error {
	return c.deleteItem(ctx, creds, fileID)
}

// DeleteFolder permanently deletes a folder and everything in it.
func (c *Client) DeleteFolder(ctx context.Context, creds Credentials, folderID string) error {
	return c.deleteItem(ctx, creds, folderID)
}

func (c *Client) deleteItem(ctx context.Context, creds Credentials, id string) error {
	resp, err := c.Do(ctx, creds, http.MethodDelete, "/files/"+url.PathEscape(id), nil, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug("delete target already absent", slog.String("item_id", id))
			return nil
		}

		return fmt.Errorf("gdrive: deleting %s: %w", id, err)
	}

	resp.Body.Close()

	c.logger.Debug("deleted item", slog.String("item_id", id))

	return nil
}
