package evidence

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/pkg/jina"
	"github.com/sells-group/orgsync/pkg/perplexity"
)

// Jina looks names up with the Jina search API.
type Jina struct {
	client     jina.Client
	maxResults int
}

// NewJina creates a Jina-backed provider.
func NewJina(client jina.Client, maxResults int) *Jina {
	return &Jina{client: client, maxResults: maxResults}
}

// Name implements Provider.
func (j *Jina) Name() string { return ProviderJina }

// Lookup implements Provider.
func (j *Jina) Lookup(ctx context.Context, name, postcode string) ([]model.Evidence, error) {
	var opts []jina.SearchOption
	if j.maxResults > 0 {
		opts = append(opts, jina.WithLimit(j.maxResults))
	}
	resp, err := j.client.Search(ctx, Query(name, postcode), opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: jina search %q", name)
	}

	out := make([]model.Evidence, 0, len(resp.Data))
	for _, r := range resp.Data {
		out = append(out, model.Evidence{URL: r.URL, Title: r.Title, Description: r.Description})
	}
	return out, nil
}

// Perplexity looks names up with a Perplexity sonar completion and keeps
// the search results it was grounded on.
type Perplexity struct {
	client     perplexity.Client
	maxResults int
}

// NewPerplexity creates a Perplexity-backed provider.
func NewPerplexity(client perplexity.Client, maxResults int) *Perplexity {
	return &Perplexity{client: client, maxResults: maxResults}
}

// Name implements Provider.
func (p *Perplexity) Name() string { return ProviderPerplexity }

// Lookup implements Provider.
func (p *Perplexity) Lookup(ctx context.Context, name, postcode string) ([]model.Evidence, error) {
	prompt := fmt.Sprintf("What organisation is %q?", name)
	if postcode != "" {
		prompt = fmt.Sprintf("What organisation is %q, located at postcode %s?", name, postcode)
	}
	maxTokens := 256
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: "Answer in one sentence: the organisation's full name and what kind of organisation it is."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: perplexity lookup %q", name)
	}

	sources := resp.Sources()
	out := make([]model.Evidence, 0, len(sources))
	for _, s := range sources {
		if p.maxResults > 0 && len(out) >= p.maxResults {
			break
		}
		out = append(out, model.Evidence{URL: s.URL, Title: s.Title, Description: s.Snippet})
	}
	return out, nil
}
