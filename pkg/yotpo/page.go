package yotpo

import (
	"encoding/json"
)

// Page is one page of the customers collection.
type Page struct {
	// Records holds the raw customer payloads in API order. Payloads stay
	// opaque end to end; the importer ships them to the destination as-is.
	Records []json.RawMessage

	// Cursor is the cursor this page was fetched with ("" for the first page).
	Cursor string

	// NextCursor points at the following page. Empty means the collection
	// is exhausted.
	NextCursor string
}

// pageResponse is the wire shape of the customers endpoint.
type pageResponse struct {
	Customers  []json.RawMessage `json:"customers"`
	Pagination struct {
		NextPageInfo string `json:"next_page_info"`
	} `json:"pagination"`
}

// parsePage decodes a customers response body into a Page.
func parsePage(cursor string, body []byte) (*Page, error) {
	var res pageResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &Page{
		Records:    res.Customers,
		Cursor:     cursor,
		NextCursor: res.Pagination.NextPageInfo,
	}, nil
}
