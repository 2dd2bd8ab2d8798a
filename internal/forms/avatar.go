package forms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
)

// AvatarForm is the character sheet: the character's JSON plus an optional
// replacement avatar image.
type AvatarForm struct {
	uploadURL string
	selectURL string
	character json.RawMessage
	nav       Navigator
	opts      options

	mu       sync.Mutex
	fileName string
	fileData []byte
	preview  string
	changed  bool
}

// NewAvatarForm creates a form uploading to uploadURL and navigating to the
// character selection page at selectURL afterwards.
func NewAvatarForm(uploadURL, selectURL string, character json.RawMessage, nav Navigator, opts ...Option) *AvatarForm {
	return &AvatarForm{
		uploadURL: uploadURL,
		selectURL: selectURL,
		character: character,
		nav:       nav,
		opts:      buildOptions(opts),
	}
}

// Choose stores a newly picked image and updates the preview. An empty
// selection (no file name) is ignored.
func (f *AvatarForm) Choose(name string, data []byte) {
	if name == "" {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileName = name
	f.fileData = cp
	f.preview = DataURL(contentType(name, cp), cp)
	f.changed = true
}

// Preview returns the data URL of the chosen image, or "" if none.
func (f *AvatarForm) Preview() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preview
}

// Changed reports whether an image was chosen.
func (f *AvatarForm) Changed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

// Submit uploads the character and, when one was chosen, the new image.
func (f *AvatarForm) Submit(ctx context.Context) error {
	f.mu.Lock()
	name, data, changed := f.fileName, f.fileData, f.changed
	f.mu.Unlock()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("characterJSON", string(f.character)); err != nil {
		return fmt.Errorf("forms: write characterJSON: %w", err)
	}
	if changed {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(filepath.Base(name))))
		h.Set("Content-Type", contentType(name, data))
		part, err := w.CreatePart(h)
		if err != nil {
			return fmt.Errorf("forms: create image part: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return fmt.Errorf("forms: write image: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("forms: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.uploadURL, &buf)
	if err != nil {
		return fmt.Errorf("forms: avatar upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := do(f.opts.client, "avatar_upload", req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return finish(f.nav, f.opts.redirect, f.selectURL, "avatar_upload", err)
}

// DataURL encodes data as a base64 data URL.
func DataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// contentType guesses from the extension first, then the bytes.
func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
