package eventkind

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrflow/engine/internal/schema"
)

func TestProfileParser_AliasesDisplayNameAndUsername(t *testing.T) {
	p := ProfileParser{}
	ev := schema.Event{
		Kind:    0,
		Content: `{"displayName":"Alice","username":"alice1","about":"hi"}`,
	}

	parsed, followUps, err := p.Parse(ev)
	require.NoError(t, err)
	assert.Empty(t, followUps)
	require.NotNil(t, parsed)
	assert.Equal(t, uint16(0), parsed.Kind)

	var profile Kind0Profile
	require.NoError(t, json.Unmarshal(parsed.Data, &profile))
	assert.Equal(t, "Alice", profile.DisplayName)
	assert.Equal(t, "Alice", profile.Name, "name falls back to display name before username")
	assert.Equal(t, "hi", profile.About)
}

func TestProfileParser_MalformedContentDegradesToEmptyProfile(t *testing.T) {
	parsed, _, err := ProfileParser{}.Parse(schema.Event{Kind: 0, Content: "not json"})
	require.NoError(t, err)
	require.NotNil(t, parsed)

	var profile Kind0Profile
	require.NoError(t, json.Unmarshal(parsed.Data, &profile))
	assert.Empty(t, profile.Name)
}

func TestRelayListParser_ReadWriteMarkers(t *testing.T) {
	ev := schema.Event{
		Kind: 10002,
		Tags: schema.Tags{
			{"r", "wss://both.example"},
			{"r", "wss://read.example", "read"},
			{"r", "wss://write.example", "write"},
			{"p", "not-a-relay"},
		},
	}

	parsed, _, err := RelayListParser{}.Parse(ev)
	require.NoError(t, err)

	var entries []RelayListEntry
	require.NoError(t, json.Unmarshal(parsed.Data, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, RelayListEntry{URL: "wss://both.example", Read: true, Write: true}, entries[0])
	assert.Equal(t, RelayListEntry{URL: "wss://read.example", Read: true, Write: false}, entries[1])
	assert.Equal(t, RelayListEntry{URL: "wss://write.example", Read: false, Write: true}, entries[2])
}

func TestDispatcher_UnregisteredKindPassesThrough(t *testing.T) {
	d := NewDispatcher(ProfileParser{}, RelayListParser{})

	parsed, followUps, err := d.Parse(schema.Event{Kind: 1, Content: "plain note"})
	require.NoError(t, err)
	assert.Nil(t, parsed)
	assert.Nil(t, followUps)

	parsed, _, err = d.Parse(schema.Event{Kind: 0, Content: `{"name":"bob"}`})
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, uint16(0), parsed.Kind)
}
