package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MediaType distinguishes movies from TV shows in the catalog.
type MediaType string

const (
	MediaMovie MediaType = "movie"
	MediaTV    MediaType = "tv"
)

// Valid reports whether the media type is one the catalog knows about.
func (m MediaType) Valid() bool {
	return m == MediaMovie || m == MediaTV
}

// ParseMediaType converts user input into a MediaType.
func ParseMediaType(s string) (MediaType, error) {
	m := MediaType(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("invalid media type %q (must be movie or tv)", s)
	}
	return m, nil
}

// Collection names one of the library lists kept on the device.
type Collection string

const (
	Favorites       Collection = "favorites"
	History         Collection = "history"
	Downloads       Collection = "downloads"
	Recommendations Collection = "recommendations"
)

// UserCollections are the collections the user mutates directly.
var UserCollections = []Collection{Favorites, History, Downloads}

// AllCollections is every collection carried in a LibraryPayload.
var AllCollections = []Collection{Favorites, History, Downloads, Recommendations}

// Ordered reports whether the collection is kept most-recent-first and capped.
func (c Collection) Ordered() bool {
	return c == History || c == Downloads
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range AllCollections {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCollection converts user input into a Collection.
func ParseCollection(s string) (Collection, error) {
	c := Collection(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown collection %q", s)
	}
	return c, nil
}

// ItemKey is the identity of a library item.
type ItemKey struct {
	ID        int       `json:"id"`
	MediaType MediaType `json:"media_type"`
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%s:%d", k.MediaType, k.ID)
}

// LibraryItem is a catalog title stored in one of the library collections.
// Fields the catalog sends that are not modeled here are kept in Extra and
// written back unchanged.
type LibraryItem struct {
	ID           int        `json:"id"`
	MediaType    MediaType  `json:"media_type"`
	Title        string     `json:"title,omitempty"`
	Name         string     `json:"name,omitempty"`
	PosterPath   string     `json:"poster_path,omitempty"`
	BackdropPath string     `json:"backdrop_path,omitempty"`
	Overview     string     `json:"overview,omitempty"`
	ReleaseDate  string     `json:"release_date,omitempty"`
	FirstAirDate string     `json:"first_air_date,omitempty"`
	VoteAverage  float64    `json:"vote_average,omitempty"`
	AddedAt      *time.Time `json:"added_at,omitempty"`
	WatchedAt    *time.Time `json:"watched_at,omitempty"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Key returns the identity pair of the item.
func (i LibraryItem) Key() ItemKey {
	return ItemKey{ID: i.ID, MediaType: i.MediaType}
}

// DisplayTitle returns the movie title or the show name.
func (i LibraryItem) DisplayTitle() string {
	if i.Title != "" {
		return i.Title
	}
	return i.Name
}

// Validate checks the identity fields.
func (i LibraryItem) Validate() error {
	if i.ID <= 0 {
		return fmt.Errorf("item id must be positive, got %d", i.ID)
	}
	if !i.MediaType.Valid() {
		return fmt.Errorf("invalid media type %q", i.MediaType)
	}
	return nil
}

type libraryItemFields LibraryItem

var knownItemFields = []string{
	"id", "media_type", "title", "name", "poster_path", "backdrop_path",
	"overview", "release_date", "first_air_date", "vote_average",
	"added_at", "watched_at", "downloaded_at",
}

func (i *LibraryItem) UnmarshalJSON(data []byte) error {
	var fields libraryItemFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, name := range knownItemFields {
		delete(raw, name)
	}

	*i = LibraryItem(fields)
	if len(raw) > 0 {
		i.Extra = raw
	}
	return nil
}

func (i LibraryItem) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(libraryItemFields(i))
	if err != nil || len(i.Extra) == 0 {
		return data, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for name, value := range i.Extra {
		if _, modeled := merged[name]; !modeled {
			merged[name] = value
		}
	}
	return json.Marshal(merged)
}

// LibraryPayload is the full library snapshot exchanged with the remote store.
type LibraryPayload struct {
	Favorites       []LibraryItem `json:"favorites"`
	History         []LibraryItem `json:"history"`
	Downloads       []LibraryItem `json:"downloads"`
	Recommendations []LibraryItem `json:"recommendations"`
	UpdatedAt       *time.Time    `json:"updated_at,omitempty"`
}

// Items returns the list held for collection c.
func (p *LibraryPayload) Items(c Collection) []LibraryItem {
	switch c {
	case Favorites:
		return p.Favorites
	case History:
		return p.History
	case Downloads:
		return p.Downloads
	case Recommendations:
		return p.Recommendations
	}
	return nil
}

// SetItems replaces the list held for collection c.
func (p *LibraryPayload) SetItems(c Collection, items []LibraryItem) {
	switch c {
	case Favorites:
		p.Favorites = items
	case History:
		p.History = items
	case Downloads:
		p.Downloads = items
	case Recommendations:
		p.Recommendations = items
	}
}

// IsEmpty reports whether every collection in the payload is empty.
func (p *LibraryPayload) IsEmpty() bool {
	for _, c := range AllCollections {
		if len(p.Items(c)) > 0 {
			return false
		}
	}
	return true
}

// DeviceOwnerPrefix namespaces anonymous owner keys.
const DeviceOwnerPrefix = "device:"

// DeviceOwnerKey returns the remote partition key for an anonymous device.
func DeviceOwnerKey(deviceID string) string {
	return DeviceOwnerPrefix + deviceID
}

// ParseDeviceOwnerKey extracts the device id from a device owner key.
func ParseDeviceOwnerKey(ownerKey string) (string, bool) {
	if !strings.HasPrefix(ownerKey, DeviceOwnerPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(ownerKey, DeviceOwnerPrefix)
	return id, id != ""
}
