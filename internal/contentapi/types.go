package contentapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PageID identifies a page across the whole wiki. The remote service
// encodes it as a JSON string; bare numbers are accepted as well.
type PageID int64

func (id PageID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id PageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *PageID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*id = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if raw == "" {
		*id = 0
		return nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid page id %s: %w", data, err)
	}
	*id = PageID(value)
	return nil
}

// Lookup is the decoded result of a page search. Found is false when the
// space holds no page with the requested title; ID and Version are zero
// in that case.
type Lookup struct {
	ID      PageID
	Version int
	Found   bool
}

// NotFound is the Lookup returned when a search has no results.
var NotFound = Lookup{}

type CreateRequest struct {
	Space      string
	AncestorID PageID
	Title      string
	Body       string
}

type UpdateRequest struct {
	Space          string
	AncestorID     PageID
	PageID         PageID
	CurrentVersion int
	Title          string
	Body           string
}

type searchResponse struct {
	Size    int            `json:"size"`
	Results []searchResult `json:"results"`
}

type searchResult struct {
	ID      PageID `json:"id"`
	Title   string `json:"title"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
}

type spaceRef struct {
	Key string `json:"key"`
}

type ancestorRef struct {
	ID PageID `json:"id"`
}

type storageBody struct {
	Value          string `json:"value"`
	Representation string `json:"representation"`
}

type pageBody struct {
	Storage storageBody `json:"storage"`
}

type versionRef struct {
	Number int `json:"number"`
}

type pagePayload struct {
	Type      string        `json:"type"`
	Status    string        `json:"status"`
	Title     string        `json:"title"`
	Space     spaceRef      `json:"space"`
	Ancestors []ancestorRef `json:"ancestors"`
	Body      pageBody      `json:"body"`
	Version   *versionRef   `json:"version,omitempty"`
}

func newPagePayload(space string, ancestorID PageID, title, body string) pagePayload {
	return pagePayload{
		Type:      "page",
		Status:    "current",
		Title:     title,
		Space:     spaceRef{Key: space},
		Ancestors: []ancestorRef{{ID: ancestorID}},
		Body: pageBody{
			Storage: storageBody{
				Value:          body,
				Representation: "storage",
			},
		},
	}
}
