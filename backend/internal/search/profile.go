package search

import (
	"encoding/json"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/socialgraph"
	apperrors "trustfeed/backend/pkg/errors"
)

type profileContent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	DisplayAlt  string `json:"displayName"`
	Nip05       string `json:"nip05"`
	Username    string `json:"username"`
}

// ParseProfile builds an index entry from a kind 0 profile metadata event. The name
// prefers the display name; the handle prefers a nip05 identifier.
func ParseProfile(ev *nostr.Event) (Entry, error) {
	if ev == nil || ev.Kind != constants.KindProfileMetadata {
		return Entry{}, apperrors.NewMalformedEvent(eventID(ev), "not a profile metadata event")
	}
	pk := socialgraph.NormalizePubkey(ev.PubKey)
	if pk == "" {
		return Entry{}, apperrors.NewMalformedEvent(ev.ID, "invalid author pubkey")
	}

	var content profileContent
	if err := json.Unmarshal([]byte(ev.Content), &content); err != nil {
		return Entry{}, apperrors.NewMalformedEvent(ev.ID, "profile content is not JSON: "+err.Error())
	}

	name := firstNonEmpty(content.DisplayName, content.DisplayAlt, content.Name, content.Username)
	handle := firstNonEmpty(strings.TrimPrefix(content.Nip05, "_@"), content.Name, content.Username)
	if handle == name {
		handle = ""
	}
	if name == "" && handle == "" {
		return Entry{}, apperrors.NewMalformedEvent(ev.ID, "profile has no name")
	}

	return Entry{
		Pubkey:    pk,
		Name:      name,
		Handle:    handle,
		CreatedAt: int64(ev.CreatedAt),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func eventID(ev *nostr.Event) string {
	if ev == nil {
		return ""
	}
	return ev.ID
}
