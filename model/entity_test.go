package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConversationID_IsUnordered(t *testing.T) {
	alice := EntityRef{Kind: KindProfile, ID: "1"}
	job := EntityRef{Kind: KindPosting, ID: "7"}

	require.Equal(t, ConversationID(alice, job), ConversationID(job, alice))
	require.Equal(t, "posting.7~profile.1", ConversationID(alice, job))
}

func TestConversationID_KindSeparatesSameID(t *testing.T) {
	profile := EntityRef{Kind: KindProfile, ID: "5"}
	posting := EntityRef{Kind: KindPosting, ID: "5"}
	other := EntityRef{Kind: KindProfile, ID: "9"}

	require.False(t, profile.Equal(posting))
	require.NotEqual(t, ConversationID(profile, other), ConversationID(posting, other))
}

func TestParseEntityRef(t *testing.T) {
	ref, err := ParseEntityRef("posting:42")
	require.NoError(t, err)
	require.Equal(t, EntityRef{Kind: KindPosting, ID: "42"}, ref)

	_, err = ParseEntityRef("42")
	require.Error(t, err)
	_, err = ParseEntityRef("company:42")
	require.Error(t, err)
}

func TestCounterpart(t *testing.T) {
	a := EntityRef{Kind: KindProfile, ID: "1"}
	b := EntityRef{Kind: KindPosting, ID: "1"}

	require.Equal(t, b, Counterpart(a, a, b))
	require.Equal(t, b, Counterpart(a, b, a))
}

func TestMessageStatus_JSON(t *testing.T) {
	raw, err := json.Marshal(StatusDelivered)
	require.NoError(t, err)
	require.JSONEq(t, `"delivered"`, string(raw))

	var s MessageStatus
	require.NoError(t, json.Unmarshal([]byte(`"read"`), &s))
	require.Equal(t, StatusRead, s)
	require.Error(t, json.Unmarshal([]byte(`"lost"`), &s))
}

func TestEntityRef_RejectsSeparatorsInID(t *testing.T) {
	for _, id := range []string{"2~profile.3", "1.5", "a:b", ""} {
		require.False(t, EntityRef{Kind: KindProfile, ID: id}.Valid(), id)
	}
	require.True(t, EntityRef{Kind: KindPosting, ID: "0b7c2f9e-4d1a-4c55-9a33-1f0e2d3c4b5a"}.Valid())

	_, err := ParseEntityRef("profile:1~profile.2")
	require.Error(t, err)
	_, err = ParseEntityRef("profile:1:2")
	require.Error(t, err)
}
