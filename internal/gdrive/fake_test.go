package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// testLogger returns a Debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

var testCreds = Credentials{AccessToken: "access-1", RefreshToken: "refresh-1"}

// fakeFile is one object held by fakeDrive.
type fakeFile struct {
	Item
	Parent      string
	Description string
	Content     []byte
	Shared      bool
}

// fakeDrive is an in-memory stand-in for the Drive v3 files, upload and
// permissions endpoints. It understands just enough of the query language
// for the requests this package sends.
type fakeDrive struct {
	mu       sync.Mutex
	files    map[string]*fakeFile
	order    []string
	nextID   int
	token    string
	pageSize int

	// Failure injection: status codes returned before normal handling.
	failShare  int
	failUpload int

	creates  int
	uploads  int
	requests int
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: make(map[string]*fakeFile), token: testCreds.AccessToken}
}

// serve starts an httptest server for f and a Client pointing at it.
func (f *fakeDrive) serve(t *testing.T) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL+"/drive/v3", srv.URL+"/upload/drive/v3", srv.Client(), "drivebroker-test", testLogger(t))
	c.sleepFunc = noopSleep

	return c, srv
}

func (f *fakeDrive) add(name, mimeType, parent string, size int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.addLocked(&fakeFile{Item: Item{Name: name, MimeType: mimeType, Size: size}, Parent: parent})
}

func (f *fakeDrive) addLocked(ff *fakeFile) string {
	f.nextID++
	ff.ID = fmt.Sprintf("id-%d", f.nextID)
	f.files[ff.ID] = ff
	f.order = append(f.order, ff.ID)

	return ff.ID
}

func (f *fakeDrive) get(id string) *fakeFile {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.files[id]
}

var (
	nameClause   = regexp.MustCompile(`name='((?:[^'\\]|\\.)*)'`)
	parentClause = regexp.MustCompile(`'((?:[^'\\]|\\.)*)' in parents`)
)

func unescapeQuery(s string) string {
	return strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(s)
}

func (f *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests++

	if r.Header.Get("Authorization") != "Bearer "+f.token {
		writeAPIError(w, http.StatusUnauthorized, "authError", "Invalid Credentials")
		return
	}

	path := r.URL.Path

	switch {
	case r.Method == http.MethodGet && path == "/drive/v3/files":
		f.list(w, r)
	case r.Method == http.MethodPost && path == "/drive/v3/files":
		f.createFolder(w, r)
	case r.Method == http.MethodPost && path == "/upload/drive/v3/files":
		f.upload(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/permissions"):
		f.share(w, strings.TrimSuffix(strings.TrimPrefix(path, "/drive/v3/files/"), "/permissions"))
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/drive/v3/files/"):
		f.delete(w, strings.TrimPrefix(path, "/drive/v3/files/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeDrive) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	var name, parent string
	if m := nameClause.FindStringSubmatch(q); m != nil {
		name = unescapeQuery(m[1])
	}

	if m := parentClause.FindStringSubmatch(q); m != nil {
		parent = unescapeQuery(m[1])
	}

	foldersOnly := strings.Contains(q, "mimeType='"+FolderMimeType+"'")

	var matches []Item

	for _, id := range f.order {
		ff := f.files[id]
		if name != "" && ff.Name != name {
			continue
		}

		if parent != "" && ff.Parent != parent {
			continue
		}

		if foldersOnly && !ff.IsFolder() {
			continue
		}

		matches = append(matches, ff.Item)
	}

	start := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		start, _ = strconv.Atoi(tok)
	}

	limit := len(matches)
	if ps, _ := strconv.Atoi(r.URL.Query().Get("pageSize")); ps > 0 {
		limit = ps
	}

	if f.pageSize > 0 && f.pageSize < limit {
		limit = f.pageSize
	}

	end := min(start+limit, len(matches))
	page := fileList{Files: matches[start:end]}

	if end < len(matches) && r.URL.Query().Get("pageSize") != "1" {
		page.NextPageToken = strconv.Itoa(end)
	}

	writeJSON(w, http.StatusOK, page)
}

func (f *fakeDrive) createFolder(w http.ResponseWriter, r *http.Request) {
	var meta struct {
		Name        string   `json:"name"`
		MimeType    string   `json:"mimeType"`
		Parents     []string `json:"parents"`
		Description string   `json:"description"`
	}

	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeAPIError(w, http.StatusBadRequest, "parseError", err.Error())
		return
	}

	ff := &fakeFile{Item: Item{Name: meta.Name, MimeType: meta.MimeType}, Description: meta.Description}
	if len(meta.Parents) > 0 {
		ff.Parent = meta.Parents[0]
	}

	f.creates++
	id := f.addLocked(ff)

	writeJSON(w, http.StatusOK, Item{ID: id})
}

func (f *fakeDrive) upload(w http.ResponseWriter, r *http.Request) {
	f.uploads++

	if f.failUpload != 0 {
		_, _ = io.Copy(io.Discard, r.Body)
		writeAPIError(w, f.failUpload, "backendError", "upload rejected")

		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" {
		writeAPIError(w, http.StatusBadRequest, "badContent", "expected multipart/related")
		return
	}

	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "badContent", err.Error())
		return
	}

	var meta struct {
		Name     string   `json:"name"`
		MimeType string   `json:"mimeType"`
		Parents  []string `json:"parents"`
	}

	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		writeAPIError(w, http.StatusBadRequest, "badContent", err.Error())
		return
	}

	mediaPart, err := mr.NextPart()
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "badContent", err.Error())
		return
	}

	content, err := io.ReadAll(mediaPart)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "badContent", err.Error())
		return
	}

	ff := &fakeFile{
		Item:    Item{Name: meta.Name, MimeType: mediaPart.Header.Get("Content-Type"), Size: int64(len(content))},
		Content: content,
	}

	if len(meta.Parents) > 0 {
		ff.Parent = meta.Parents[0]
	}

	id := f.addLocked(ff)
	ff.WebViewLink = "https://drive.google.com/file/d/" + id + "/view"

	writeJSON(w, http.StatusOK, ff.Item)
}

func (f *fakeDrive) share(w http.ResponseWriter, id string) {
	if f.failShare != 0 {
		writeAPIError(w, f.failShare, "insufficientFilePermissions", "sharing disabled by admin")
		return
	}

	ff, ok := f.files[id]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "notFound", "File not found: "+id)
		return
	}

	ff.Shared = true
	writeJSON(w, http.StatusOK, map[string]string{"id": "perm-" + id})
}

func (f *fakeDrive) delete(w http.ResponseWriter, id string) {
	if _, ok := f.files[id]; !ok {
		writeAPIError(w, http.StatusNotFound, "notFound", "File not found: "+id)
		return
	}

	f.removeLocked(id)
	w.WriteHeader(http.StatusNoContent)
}

// removeLocked deletes id and, for folders, everything beneath it.
func (f *fakeDrive) removeLocked(id string) {
	for _, childID := range append([]string(nil), f.order...) {
		if c, ok := f.files[childID]; ok && c.Parent == id {
			f.removeLocked(childID)
		}
	}

	delete(f.files, id)

	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, reason, message string) {
	var body apiErrorBody
	body.Error.Code = status
	body.Error.Message = message
	body.Error.Errors = append(body.Error.Errors, struct {
		Reason string `json:"reason"`
	}{Reason: reason})

	writeJSON(w, status, body)
}
