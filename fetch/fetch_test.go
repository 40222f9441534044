package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const listingHTML = `<html><head>
<title>Camp Wanakee | LandWatch</title>
<meta property="og:image" content="https://img.example.com/camp.jpg">
<script>var tracking = "ignore me";</script>
</head><body>
<h1>Former summer camp, 120 acres</h1>
<p>Asking   $1,200,000.
Dining hall seats 300.</p>
<style>.x{color:red}</style>
</body></html>`

func TestHTTPFetcher_ExtractsTextAndImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/listing", http.StatusMovedPermanently)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	page, err := NewHTTPFetcher(srv.Client()).Fetch(context.Background(), srv.URL+"/old")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Title != "Camp Wanakee | LandWatch" {
		t.Errorf("Title = %q", page.Title)
	}
	if page.ImageURL != "https://img.example.com/camp.jpg" {
		t.Errorf("ImageURL = %q", page.ImageURL)
	}
	if want := "Former summer camp, 120 acres Asking $1,200,000. Dining hall seats 300."; page.Text != want {
		t.Errorf("Text = %q, want %q", page.Text, want)
	}
	if strings.Contains(page.Text, "ignore me") {
		t.Error("script content leaked into text")
	}
	if !strings.HasSuffix(page.FinalURL, "/listing") {
		t.Errorf("FinalURL = %q, want redirect target", page.FinalURL)
	}
	if page.ContentHash == "" {
		t.Error("ContentHash not set")
	}
}

func TestHTTPFetcher_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPFetcher(srv.Client()).Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("err = %v, want ErrFetchFailed", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("want StatusError 404, got %v", err)
	}
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := srv.Client()
	client.Timeout = 50 * time.Millisecond

	_, err := NewHTTPFetcher(client).Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("err = %v, want ErrFetchFailed", err)
	}
}

func TestParseHTML_FallsBackToDescription(t *testing.T) {
	page, err := ParseHTML([]byte(`<html><head><meta name="og:description" content="Campus for sale"></head><body></body></html>`))
	if err != nil {
		t.Fatal(err)
	}
	if page.Text != "Campus for sale" {
		t.Errorf("Text = %q", page.Text)
	}
}
