package gdrive

import "strings"

// FolderMimeType is the Drive mime type that marks a folder.
const FolderMimeType = "application/vnd.google-apps.folder"

// Item is a Drive file or folder as returned by the files endpoints.
// Folders carry no size.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	Size        int64  `json:"size,string,omitempty"`
	WebViewLink string `json:"webViewLink,omitempty"`
}

// IsFolder reports whether the item is a folder.
func (i *Item) IsFolder() bool {
	return i.MimeType == FolderMimeType
}

// UploadResult describes a completed upload. The object exists remotely
// even when Shared is false; ShareErr then holds the permission failure.
type UploadResult struct {
	Item
	PublicURL string
	Shared    bool
	ShareErr  error
}

// PublicURL returns the link the file can be fetched from once it is
// shared with anyone. Images get a sized thumbnail host, videos the
// embeddable preview page, and everything else a direct download.
func PublicURL(id, mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "https://lh3.googleusercontent.com/d/" + id + "=s2000"
	case strings.HasPrefix(mimeType, "video/"):
		return "https://drive.google.com/file/d/" + id + "/preview"
	default:
		return "https://drive.google.com/uc?export=download&id=" + id
	}
}
