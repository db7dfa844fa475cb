package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternRouter_Route(t *testing.T) {
	r := NewPatternRouter(PatternConfig{})

	tests := []struct {
		name string
		req  Request
		want Classification
	}{
		{"acronym", Request{Query: "Where do I get an RCA template?"}, Related},
		{"variation agreement", Request{Query: "If I extend my research project, do I need a VA?"}, Related},
		{"sponsorship", Request{Query: "How do I start a corporate sponsorship with NUS?"}, Related},
		{"ethics", Request{Query: "Do I need ethics approval?"}, Related},
		{"anchor in history", Request{Query: "What is the next step?", ChatHistory: "User asked about an NDA."}, Related},
		{"anchor in upload", Request{Query: "Can you check this?", UploadedContent: "Memorandum of Understanding between..."}, Related},
		{"generic only", Request{Query: "I need information about partnerships."}, Vague},
		{"generic collaboration", Request{Query: "collaboration?"}, Vague},
		{"off topic", Request{Query: "How do I code a website?"}, Unrelated},
		{"weather", Request{Query: "What is the weather today?"}, Unrelated},
		{"substring is not a word", Request{Query: "Is java available in the lab?"}, Unrelated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Route(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Classification())
			assert.Equal(t, tt.want == Vague, d.ClarifyingQuestion() != "")
		})
	}
}

func TestPatternRouter_VagueQuestionNamesTerm(t *testing.T) {
	r := NewPatternRouter(PatternConfig{})
	query := "I need information about partnerships."

	d, err := r.Route(context.Background(), Request{Query: query})
	require.NoError(t, err)
	require.Equal(t, Vague, d.Classification())
	assert.Contains(t, d.ClarifyingQuestion(), "partnership")
	assert.NotEqual(t, query, d.ClarifyingQuestion())
}

func TestPatternRouter_EmptyQueryIsVague(t *testing.T) {
	r := NewPatternRouter(PatternConfig{})
	for _, q := range []string{"", "   ", "?!"} {
		d, err := r.Route(context.Background(), Request{Query: q, ChatHistory: "about the NDA"})
		require.NoError(t, err)
		assert.Equal(t, Vague, d.Classification(), q)
		assert.Equal(t, defaultQuestion, d.ClarifyingQuestion())
	}
}

func TestPatternRouter_CustomTerms(t *testing.T) {
	r := NewPatternRouter(PatternConfig{
		AnchorTerms:  []string{"Licensing Office"},
		GenericTerms: []string{"office"},
	})

	d, err := r.Route(context.Background(), Request{Query: "Where is the licensing office?"})
	require.NoError(t, err)
	assert.Equal(t, Related, d.Classification())
	assert.Contains(t, d.Reasoning(), "licensing office")

	d, err = r.Route(context.Background(), Request{Query: "Which offices are open?"})
	require.NoError(t, err)
	assert.Equal(t, Vague, d.Classification())

	d, err = r.Route(context.Background(), Request{Query: "Where do I get an RCA?"})
	require.NoError(t, err)
	assert.Equal(t, Unrelated, d.Classification())

	anchors, generic := r.Terms()
	assert.Equal(t, []string{"licensing office"}, anchors)
	assert.Equal(t, []string{"office"}, generic)
}

func TestContainsTerm(t *testing.T) {
	assert.True(t, containsTerm("need an nda", "nda"))
	assert.True(t, containsTerm("two ndas please", "nda"))
	assert.True(t, containsTerm("the contracting hub", "Contracting Hub"))
	assert.False(t, containsTerm("agenda", "nda"))
	assert.False(t, containsTerm("the hub", "contracting hub"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "rca cra template", normalize("  RCA/CRA -- Template!! "))
	assert.Equal(t, "", normalize("?!"))
}
