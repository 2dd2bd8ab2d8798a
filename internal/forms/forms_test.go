package forms

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordingNavigator struct {
	urls []string
}

func (n *recordingNavigator) Navigate(url string) { n.urls = append(n.urls, url) }

// ---------------------------------------------------------------------------
// Character selection
// ---------------------------------------------------------------------------

func TestCharacterSelectPostsAndNavigates(t *testing.T) {
	var gotBody map[string]string
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	nav := &recordingNavigator{}
	s := NewCharacterSelector(srv.URL+"/create", "/chat", nav)
	if err := s.Select(context.Background(), "42"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	if gotType != "application/json" {
		t.Errorf("expected JSON content type, got %q", gotType)
	}
	if gotBody["character_id"] != "42" {
		t.Errorf("unexpected body: %v", gotBody)
	}
	if len(nav.urls) != 1 || nav.urls[0] != "/chat" {
		t.Errorf("expected navigation to /chat, got %v", nav.urls)
	}
}

func TestCharacterSelectFailureKeepsUserOnPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such character", http.StatusNotFound)
	}))
	defer srv.Close()

	nav := &recordingNavigator{}
	err := NewCharacterSelector(srv.URL, "/chat", nav).Select(context.Background(), "7")

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusNotFound || !strings.Contains(se.Body, "no such character") {
		t.Errorf("unexpected status error: %+v", se)
	}
	if len(nav.urls) != 0 {
		t.Errorf("expected no navigation, got %v", nav.urls)
	}
}

func TestCharacterSelectRedirectAlways(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	nav := &recordingNavigator{}
	err := NewCharacterSelector(srv.URL, "/chat", nav, WithRedirect(RedirectAlways)).Select(context.Background(), "7")
	if err == nil {
		t.Fatal("expected the failure to be reported")
	}
	if len(nav.urls) != 1 || nav.urls[0] != "/chat" {
		t.Errorf("expected navigation despite failure, got %v", nav.urls)
	}
}

func TestCharacterSelectTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	nav := &recordingNavigator{}
	err := NewCharacterSelector(url, "/chat", nav).Select(context.Background(), "7")
	if err == nil {
		t.Fatal("expected transport error")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Errorf("expected a transport error, not a status error: %v", err)
	}
	if len(nav.urls) != 0 {
		t.Errorf("expected no navigation, got %v", nav.urls)
	}
}

// ---------------------------------------------------------------------------
// Avatar upload
// ---------------------------------------------------------------------------

func TestAvatarEmptySelectionIgnored(t *testing.T) {
	f := NewAvatarForm("http://unused", "/select", json.RawMessage(`{}`), nil)
	f.Choose("", nil)
	if f.Changed() || f.Preview() != "" {
		t.Errorf("expected empty selection ignored, changed=%v preview=%q", f.Changed(), f.Preview())
	}
}

func TestAvatarPreviewIsDataURL(t *testing.T) {
	f := NewAvatarForm("http://unused", "/select", json.RawMessage(`{}`), nil)
	f.Choose("face.png", []byte("PNGDATA"))

	if !f.Changed() {
		t.Fatal("expected changed after choosing a file")
	}
	want := "data:image/png;base64,UE5HREFUQQ=="
	if f.Preview() != want {
		t.Errorf("expected preview %q, got %q", want, f.Preview())
	}
}

func TestAvatarSubmitWithImage(t *testing.T) {
	type upload struct {
		character string
		fileName  string
		fileType  string
		fileData  string
	}
	got := make(chan upload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		u := upload{character: r.FormValue("characterJSON")}
		if file, header, err := r.FormFile("image"); err == nil {
			data, _ := io.ReadAll(file)
			file.Close()
			u.fileName = header.Filename
			u.fileType = header.Header.Get("Content-Type")
			u.fileData = string(data)
		}
		got <- u
	}))
	defer srv.Close()

	nav := &recordingNavigator{}
	f := NewAvatarForm(srv.URL+"/upload", "/select", json.RawMessage(`{"id":1,"name":"Ada"}`), nav)
	f.Choose("ada.jpg", []byte("JPEGDATA"))
	if err := f.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	u := <-got
	if u.character != `{"id":1,"name":"Ada"}` {
		t.Errorf("unexpected characterJSON %q", u.character)
	}
	if u.fileName != "ada.jpg" || u.fileType != "image/jpeg" || u.fileData != "JPEGDATA" {
		t.Errorf("unexpected image part: %+v", u)
	}
	if len(nav.urls) != 1 || nav.urls[0] != "/select" {
		t.Errorf("expected navigation to /select, got %v", nav.urls)
	}
}

func TestAvatarSubmitWithoutImage(t *testing.T) {
	hasImage := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		_, _, err := r.FormFile("image")
		hasImage <- err == nil
	}))
	defer srv.Close()

	f := NewAvatarForm(srv.URL, "/select", json.RawMessage(`{}`), &recordingNavigator{})
	if err := f.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if <-hasImage {
		t.Error("expected no image part when nothing was chosen")
	}
}

func TestAvatarSubmitFailureAbortsNavigation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	nav := &recordingNavigator{}
	f := NewAvatarForm(srv.URL, "/select", json.RawMessage(`{}`), nav)
	f.Choose("big.png", make([]byte, 10))

	var se *StatusError
	if err := f.Submit(context.Background()); !errors.As(err, &se) || se.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 status error, got %v", err)
	}
	if len(nav.urls) != 0 {
		t.Errorf("expected no navigation, got %v", nav.urls)
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestHistoryMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != HistoryPath || r.URL.Query().Get("room") != "back room" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":"m1","user_id":"u1","username":"Ada","message":"hi","timestamp":"2024-05-01T18:30:00"}]`)
	}))
	defer srv.Close()

	msgs, err := NewHistoryClient(srv.URL+"/").Messages(context.Background(), "back room")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].UserID != "u1" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestHistoryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("room") == "broken" {
			io.WriteString(w, `{not json`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL)
	if _, err := c.Messages(context.Background(), "tavern"); err == nil {
		t.Error("expected status error")
	}
	if _, err := c.Messages(context.Background(), "broken"); err == nil {
		t.Error("expected decode error")
	}
}
