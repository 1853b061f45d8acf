package yotpo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// scriptedPage is one canned customers response, keyed by the cursor that
// requests it ("" = first page).
type scriptedPage struct {
	records int
	offset  int
	next    string
	status  int    // 0 means 200
	body    string // overrides the generated body when set
}

// newScriptedServer serves canned pages and counts fetches per cursor.
func newScriptedServer(t *testing.T, pages map[string]scriptedPage) (*httptest.Server, *sync.Map) {
	t.Helper()

	var fetches sync.Map
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/access_tokens") {
			w.Write([]byte(`{"access_token":"tok-1"}`))
			return
		}

		cursor := r.URL.Query().Get("page_info")
		count, _ := fetches.LoadOrStore(cursor, new(int))
		*count.(*int)++

		page, ok := pages[cursor]
		if !ok {
			t.Errorf("unexpected cursor %q", cursor)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if page.status != 0 {
			w.WriteHeader(page.status)
		}
		if page.body != "" {
			w.Write([]byte(page.body))
			return
		}
		w.Write(pageBody(t, page.records, page.offset, page.next))
	}))
	return server, &fetches
}

func fetchCount(fetches *sync.Map, cursor string) int {
	v, ok := fetches.Load(cursor)
	if !ok {
		return 0
	}
	return *v.(*int)
}

func TestPages_WalksAllPages(t *testing.T) {
	server, _ := newScriptedServer(t, map[string]scriptedPage{
		"":   {records: 10, offset: 0, next: "p2"},
		"p2": {records: 10, offset: 10, next: "p3"},
		"p3": {records: 10, offset: 20, next: ""},
	})
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	pages := client.Pages("")
	ctx := context.Background()

	var all []json.RawMessage
	pageCount := 0
	for {
		page, err := pages.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		pageCount++
		all = append(all, page.Records...)
	}

	if pageCount != 3 {
		t.Errorf("pages = %d, want 3", pageCount)
	}
	if len(all) != 30 {
		t.Fatalf("records = %d, want 30", len(all))
	}
	if pages.Count() != 3 {
		t.Errorf("Count() = %d, want 3", pages.Count())
	}

	// Records arrive in API order across page boundaries.
	for i, raw := range all {
		var rec struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.Fatalf("unmarshal record %d: %v", i, err)
		}
		if rec.ID != i {
			t.Fatalf("record %d has id %d, want %d (order broken)", i, rec.ID, i)
		}
	}
}

func TestPages_EOFForever(t *testing.T) {
	server, _ := newScriptedServer(t, map[string]scriptedPage{
		"": {records: 2, next: ""},
	})
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	pages := client.Pages("")
	ctx := context.Background()

	if _, err := pages.Next(ctx); err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := pages.Next(ctx); err != io.EOF {
			t.Fatalf("Next() after exhaustion = %v, want io.EOF", err)
		}
	}
}

func TestPages_SameCursorStops(t *testing.T) {
	server, fetches := newScriptedServer(t, map[string]scriptedPage{
		"":     {records: 5, offset: 0, next: "loop"},
		"loop": {records: 5, offset: 5, next: "loop"},
	})
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	pages := client.Pages("")
	ctx := context.Background()

	total := 0
	for {
		page, err := pages.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		total += len(page.Records)
	}

	if total != 10 {
		t.Errorf("records = %d, want 10 (both pages consumed once)", total)
	}
	if got := fetchCount(fetches, "loop"); got != 1 {
		t.Errorf("fetches of looping cursor = %d, want 1", got)
	}
}

func TestPages_EmptyPageWithCursorContinues(t *testing.T) {
	server, _ := newScriptedServer(t, map[string]scriptedPage{
		"":   {records: 0, next: "p2"},
		"p2": {records: 3, next: ""},
	})
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	pages := client.Pages("")
	ctx := context.Background()

	total := 0
	pageCount := 0
	for {
		page, err := pages.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		pageCount++
		total += len(page.Records)
	}

	if pageCount != 2 {
		t.Errorf("pages = %d, want 2 (empty page with a cursor is not terminal)", pageCount)
	}
	if total != 3 {
		t.Errorf("records = %d, want 3", total)
	}
}

func TestPages_TerminalErrorIsSticky(t *testing.T) {
	server, fetches := newScriptedServer(t, map[string]scriptedPage{
		"":    {records: 4, next: "bad"},
		"bad": {status: http.StatusNotFound, body: `{"error":"gone"}`},
	})
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	pages := client.Pages("")
	ctx := context.Background()

	if _, err := pages.Next(ctx); err != nil {
		t.Fatalf("first Next() failed: %v", err)
	}

	_, err1 := pages.Next(ctx)
	if err1 == nil {
		t.Fatal("second Next() should fail")
	}
	_, err2 := pages.Next(ctx)
	if !errors.Is(err2, err1) && err2 != err1 {
		t.Errorf("third Next() = %v, want the same sticky error %v", err2, err1)
	}

	if got := fetchCount(fetches, "bad"); got != 1 {
		t.Errorf("fetches of failing cursor = %d, want 1 (no refetch after terminal failure)", got)
	}
}

func TestPages_StartCursor(t *testing.T) {
	server, fetches := newScriptedServer(t, map[string]scriptedPage{
		"p5": {records: 2, offset: 0, next: ""},
	})
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	pages := client.Pages("p5")

	page, err := pages.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	if page.Cursor != "p5" {
		t.Errorf("Cursor = %q, want p5", page.Cursor)
	}
	if got := fetchCount(fetches, ""); got != 0 {
		t.Errorf("first-page fetches = %d, want 0 when starting mid-collection", got)
	}
}

func TestPages_NextPageAdapter(t *testing.T) {
	server, _ := newScriptedServer(t, map[string]scriptedPage{
		"": {records: 4, next: ""},
	})
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	pages := client.Pages("")
	ctx := context.Background()

	records, err := pages.NextPage(ctx)
	if err != nil {
		t.Fatalf("NextPage() failed: %v", err)
	}
	if len(records) != 4 {
		t.Errorf("records = %d, want 4", len(records))
	}

	if _, err := pages.NextPage(ctx); err != io.EOF {
		t.Errorf("NextPage() after exhaustion = %v, want io.EOF", err)
	}
}
