package eventkind

import (
	"encoding/json"

	"github.com/nostrflow/engine/internal/schema"
)

// Kind0Profile is the structured view of a kind-0 metadata event,
// including the displayName/display_name and username/name fallback
// aliasing seen in the wild.
type Kind0Profile struct {
	Pubkey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	About       string `json:"about,omitempty"`
	Website     string `json:"website,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
}

type kind0raw struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	DisplayAlt  string `json:"displayName"`
	Username    string `json:"username"`
	Picture     string `json:"picture"`
	Banner      string `json:"banner"`
	About       string `json:"about"`
	Website     string `json:"website"`
	Nip05       string `json:"nip05"`
	Lud06       string `json:"lud06"`
	Lud16       string `json:"lud16"`
}

// ProfileParser parses kind-0 (set_metadata) events.
type ProfileParser struct{}

func (ProfileParser) Kinds() []uint16 { return []uint16{0} }

func (ProfileParser) Parse(event schema.Event) (*schema.ParsedData, []schema.Request, error) {
	profile := Kind0Profile{Pubkey: event.Pubkey.String()}

	var raw kind0raw
	if event.Content != "" {
		// Malformed profile JSON degrades to an empty profile rather
		// than failing the event.
		_ = json.Unmarshal([]byte(event.Content), &raw)
	}

	profile.Name = raw.Name
	profile.DisplayName = raw.DisplayName
	if profile.DisplayName == "" {
		profile.DisplayName = raw.DisplayAlt
	}
	if profile.Name == "" {
		if profile.DisplayName != "" {
			profile.Name = profile.DisplayName
		} else {
			profile.Name = raw.Username
		}
	}
	profile.Picture = raw.Picture
	profile.Banner = raw.Banner
	profile.About = raw.About
	profile.Website = raw.Website
	profile.Nip05 = raw.Nip05
	profile.Lud06 = raw.Lud06
	profile.Lud16 = raw.Lud16

	data, err := json.Marshal(profile)
	if err != nil {
		return nil, nil, err
	}
	return &schema.ParsedData{Kind: 0, Data: data}, nil, nil
}
