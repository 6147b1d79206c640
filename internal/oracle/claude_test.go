package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/resilience"
	"github.com/sells-group/orgsync/pkg/anthropic"
)

func TestClaudeClassify_Success(t *testing.T) {
	t.Parallel()

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		if req.Model != defaultModel || len(req.System) != 1 || !req.System[0].Cache {
			return false
		}
		var p classifyPayload
		if err := json.Unmarshal([]byte(req.Messages[0].Content), &p); err != nil {
			return false
		}
		return p.Focal == "acme corporation" && len(p.Candidates) == 2 && len(p.Evidence) == 0
	})).Return(textResponse(`{"accepted":["acme corp","acme corporation"],"representative_name":"Acme Corporation","confidence":"sure"}`), nil)

	o := NewClaude(client, ClaudeConfig{})
	v, err := o.Classify(context.Background(), Request{
		Focal:      "acme corporation",
		Candidates: []string{"acme corp", "acme holdings"},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"acme corp", "acme corporation"}, v.Accepted)
	assert.Equal(t, "Acme Corporation", v.Representative)
	assert.Equal(t, model.ConfidenceSure, v.Confidence)
	assert.Equal(t, int64(100), o.Usage().InputTokens)
	client.AssertExpectations(t)
}

func TestClaudeClassify_EvidenceSent(t *testing.T) {
	t.Parallel()

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		var p classifyPayload
		if err := json.Unmarshal([]byte(req.Messages[0].Content), &p); err != nil {
			return false
		}
		_, hasEmpty := p.Evidence["acme holdings"]
		return len(p.Evidence["acme corp"]) == 1 && !hasEmpty
	})).Return(textResponse(`{"accepted":[],"confidence":"unsure"}`), nil)

	o := NewClaude(client, ClaudeConfig{Model: "claude-haiku-4-5-20251001"})
	v, err := o.Classify(context.Background(), Request{
		Focal:      "acme corp",
		Candidates: []string{"acme holdings"},
		Evidence: map[string][]model.Evidence{
			"acme corp":     {{URL: "https://acme.example", Title: "Acme"}},
			"acme holdings": {},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"acme corp"}, v.Accepted)
	assert.Equal(t, model.ConfidenceUnsure, v.Confidence)
}

func TestClaudeClassify_Fenced(t *testing.T) {
	t.Parallel()

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("```json\n{\"accepted\":[\"b\"],\"confidence\":\"sure\"}\n```"), nil)

	v, err := NewClaude(client, ClaudeConfig{}).Classify(context.Background(), Request{Focal: "a", Candidates: []string{"b"}})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.Accepted)
}

func TestClaudeClassify_MissingConfidenceIsUnsure(t *testing.T) {
	t.Parallel()

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"accepted":["b"]}`), nil)

	v, err := NewClaude(client, ClaudeConfig{}).Classify(context.Background(), Request{Focal: "a", Candidates: []string{"b"}})

	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceUnsure, v.Confidence)
}

func TestClaudeClassify_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{"prose", `Sure! The answer is {"accepted":["b"],"confidence":"sure"}`},
		{"list", `["b"]`},
		{"accepted not a list", `{"accepted":"b","confidence":"sure"}`},
		{"accepted missing", `{"confidence":"sure"}`},
		{"unknown field", `{"accepted":["b"],"confidence":"sure","reason":"same"}`},
		{"bad confidence", `{"accepted":["b"],"confidence":"maybe"}`},
		{"trailing data", `{"accepted":["b"],"confidence":"sure"} {"accepted":[]}`},
		{"unterminated fence", "```json\n{\"accepted\":[\"b\"],\"confidence\":\"sure\"}"},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &mockAnthropicClient{}
			client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(tt.text), nil)

			v, err := NewClaude(client, ClaudeConfig{}).Classify(context.Background(), Request{Focal: "a", Candidates: []string{"b"}})

			require.Error(t, err)
			assert.Nil(t, v)
			assert.True(t, errors.Is(err, ErrMalformedResponse))
			assert.Equal(t, tt.text, RawResponse(err))
			assert.False(t, resilience.IsTransient(err))
		})
	}
}

func TestClaudeClassify_ClientError(t *testing.T) {
	t.Parallel()

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	_, err := NewClaude(client, ClaudeConfig{}).Classify(context.Background(), Request{Focal: "a", Candidates: []string{"b"}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, errors.Is(err, ErrMalformedResponse))
	assert.Empty(t, RawResponse(err))
}

func TestClaudeClassify_OverloadedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	client := anthropic.NewClient("test-key", anthropic.WithBaseURL(srv.URL), anthropic.WithMaxRetries(0))
	_, err := NewClaude(client, ClaudeConfig{}).Classify(context.Background(), Request{Focal: "a", Candidates: []string{"b"}})

	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	var te *resilience.TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 529, te.StatusCode)
}

func TestClaudeDescribe(t *testing.T) {
	t.Parallel()

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		var p describePayload
		if err := json.Unmarshal([]byte(req.Messages[0].Content), &p); err != nil {
			return false
		}
		return len(p.Names) == 2 && req.System[0].Text == describeSystem
	})).Return(textResponse(`{"organisation_type":" University ","representative_name":"University of Oxford"}`), nil)

	d, err := NewClaude(client, ClaudeConfig{}).Describe(context.Background(),
		[]string{"oxford university", "university of oxford"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "university", d.OrganisationType)
	assert.Equal(t, "University of Oxford", d.RepresentativeName)
}

func TestClaudeDescribe_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewClaude(&mockAnthropicClient{}, ClaudeConfig{}).Describe(context.Background(), nil, nil)
	require.Error(t, err)

	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`company`), nil)
	_, err = NewClaude(client, ClaudeConfig{}).Describe(context.Background(), []string{"acme"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
