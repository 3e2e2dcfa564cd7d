package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"

	"golang.org/x/text/unicode/norm"
)

const uploadFields = "id,name,mimeType,size,webViewLink"

// Upload streams r into a new file named filename inside parentID and then
// shares it with anyone holding the link. The content is sent as one
// multipart/related request and is never retried: a failed stream has
// already consumed r. A sharing failure is logged and reported in the
// result, never as an error.
func (c *Client) Upload(
	ctx context.Context, creds Credentials, r io.Reader, filename, mimeType, parentID string,
) (*UploadResult, error) {
	filename = norm.NFC.String(filename)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	meta := map[string]any{"name": filename, "mimeType": mimeType}
	if parentID != "" {
		meta["parents"] = []string{parentID}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counted := &countingReader{r: r}
	done := make(chan struct{})

	go func() {
		defer close(done)
		pw.CloseWithError(writeMultipart(mw, meta, counted, mimeType))
	}()

	item, err := c.sendUpload(ctx, creds, pr, "multipart/related; boundary="+mw.Boundary())

	// Unblock the writer if the server answered before draining the body.
	pr.Close()
	<-done

	if err != nil {
		c.logger.Warn("upload failed",
			slog.String("name", filename),
			slog.Int64("bytes_sent", counted.n),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("gdrive: uploading %q: %w", filename, err)
	}

	if item.Size == 0 {
		item.Size = counted.n
	}

	if item.MimeType == "" {
		item.MimeType = mimeType
	}

	res := &UploadResult{Item: *item, PublicURL: PublicURL(item.ID, item.MimeType)}

	if err := c.ShareAnyoneReader(ctx, creds, item.ID); err != nil {
		c.logger.Warn("sharing uploaded file failed",
			slog.String("file_id", item.ID),
			slog.String("error", err.Error()),
		)

		res.ShareErr = err
	} else {
		res.Shared = true
	}

	c.logger.Info("uploaded file",
		slog.String("file_id", item.ID),
		slog.String("name", item.Name),
		slog.Int64("size", item.Size),
		slog.Bool("shared", res.Shared),
	)

	return res, nil
}

// ShareAnyoneReader grants read access to anyone with the link.
func (c *Client) ShareAnyoneReader(ctx context.Context, creds Credentials, fileID string) error {
	perm := map[string]string{"role": "reader", "type": "anyone"}
	path := "/files/" + url.PathEscape(fileID) + "/permissions"

	if err := c.doJSON(ctx, creds, http.MethodPost, path, url.Values{"fields": {"id"}}, perm, nil); err != nil {
		return fmt.Errorf("gdrive: sharing %s: %w", fileID, err)
	}

	return nil
}

// sendUpload performs the single upload request.
func (c *Client) sendUpload(ctx context.Context, creds Credentials, body io.Reader, contentType string) (*Item, error) {
	target := c.uploadBaseURL + "/files?" + url.Values{
		"uploadType": {"multipart"},
		"fields":     {uploadFields},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating upload request: %w", err)
	}

	c.authorize(req, creds)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w: %w", ErrRemoteUnavailable, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, newDriveError(resp)
	}
	defer resp.Body.Close()

	var item Item
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w: %w", ErrRemoteUnavailable, err)
	}

	return &item, nil
}

// writeMultipart writes the metadata part followed by the media part.
func writeMultipart(mw *multipart.Writer, meta map[string]any, media io.Reader, mimeType string) error {
	metaPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return err
	}

	if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
		return err
	}

	mediaPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {mimeType}})
	if err != nil {
		return err
	}

	if _, err := io.Copy(mediaPart, media); err != nil {
		return err
	}

	return mw.Close()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}
