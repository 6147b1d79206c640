package oracle

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/resilience"
	"github.com/sells-group/orgsync/pkg/anthropic"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
)

const classifySystem = `You decide whether organisation names refer to the same real-world organisation.
You are given a focal name, a list of candidate names and, optionally, web search results for each name.
Names are lower-cased and stripped of punctuation. Departments, subsidiaries and regional branches are
different organisations from their parent unless the evidence shows they are the same legal entity.

Respond with a single JSON object and nothing else:
{"accepted": ["<candidate>", ...], "representative_name": "<display name>", "confidence": "sure" | "unsure"}

- "accepted" lists the candidate names, copied exactly, that are the same organisation as the focal name.
- "representative_name" is the organisation's proper name with correct capitalisation.
- "confidence" is "unsure" when the names alone are not enough to decide.`

const describeSystem = `You classify organisations. You are given the names of one organisation and,
optionally, web search results for each name.

Respond with a single JSON object and nothing else:
{"organisation_type": "<type>", "representative_name": "<display name>"}

- "organisation_type" is a short lower-case label such as "company", "university", "government",
  "charity", "nhs trust", "school" or "research institute".
- "representative_name" is the organisation's proper name with correct capitalisation.`

// ClaudeConfig configures the Claude-backed oracle.
type ClaudeConfig struct {
	Model     string
	MaxTokens int64
}

// Claude implements Oracle with the Anthropic Messages API.
type Claude struct {
	client anthropic.Client
	cfg    ClaudeConfig

	mu    sync.Mutex
	usage anthropic.TokenUsage
}

// NewClaude creates a Claude oracle.
func NewClaude(client anthropic.Client, cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Claude{client: client, cfg: cfg}
}

// Usage returns the tokens consumed so far.
func (c *Claude) Usage() anthropic.TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// LogUsage logs the tokens consumed so far and their estimated cost.
func (c *Claude) LogUsage(stage string) {
	c.Usage().LogCost(c.cfg.Model, stage)
}

type classifyPayload struct {
	Focal      string                      `json:"focal"`
	Candidates []string                    `json:"candidates"`
	Evidence   map[string][]model.Evidence `json:"evidence,omitempty"`
}

type classifyAnswer struct {
	Accepted       []string `json:"accepted"`
	Representative string   `json:"representative_name"`
	Confidence     string   `json:"confidence"`
}

type describePayload struct {
	Names    []string                    `json:"names"`
	Evidence map[string][]model.Evidence `json:"evidence,omitempty"`
}

type describeAnswer struct {
	OrganisationType   string `json:"organisation_type"`
	RepresentativeName string `json:"representative_name"`
}

// Classify asks Claude which candidates co-refer with the focal name.
func (c *Claude) Classify(ctx context.Context, req Request) (*Verdict, error) {
	payload := classifyPayload{
		Focal:      req.Focal,
		Candidates: req.Candidates,
		Evidence:   nonEmptyEvidence(req.Evidence),
	}
	if payload.Candidates == nil {
		payload.Candidates = []string{}
	}

	text, err := c.call(ctx, classifySystem, payload)
	if err != nil {
		return nil, err
	}

	var ans classifyAnswer
	if err := decodeStrict(text, &ans); err != nil {
		return nil, err
	}
	if ans.Accepted == nil {
		return nil, &ResponseError{Raw: text, Err: eris.Wrap(ErrMalformedResponse, "oracle: accepted is missing")}
	}

	conf := model.Confidence(ans.Confidence)
	switch {
	case ans.Confidence == "":
		conf = model.ConfidenceUnsure
	case !conf.Valid():
		return nil, &ResponseError{Raw: text, Err: eris.Wrapf(ErrMalformedResponse, "oracle: confidence %q", ans.Confidence)}
	}

	return Normalize(req, &Verdict{
		Accepted:       ans.Accepted,
		Representative: ans.Representative,
		Confidence:     conf,
	}), nil
}

// Describe asks Claude for the organisation type and display name.
func (c *Claude) Describe(ctx context.Context, names []string, evidence map[string][]model.Evidence) (*Description, error) {
	if len(names) == 0 {
		return nil, eris.New("oracle: describe needs at least one name")
	}

	text, err := c.call(ctx, describeSystem, describePayload{Names: names, Evidence: nonEmptyEvidence(evidence)})
	if err != nil {
		return nil, err
	}

	var ans describeAnswer
	if err := decodeStrict(text, &ans); err != nil {
		return nil, err
	}
	return &Description{
		OrganisationType:   strings.ToLower(strings.TrimSpace(ans.OrganisationType)),
		RepresentativeName: strings.TrimSpace(ans.RepresentativeName),
	}, nil
}

func (c *Claude) call(ctx context.Context, system string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", eris.Wrap(err, "oracle: marshal payload")
	}

	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      []anthropic.SystemBlock{{Text: system, Cache: true}},
		Messages:    []anthropic.Message{{Role: "user", Content: string(body)}},
		Temperature: &temp,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return "", resilience.NewTransientError(eris.Wrap(err, "oracle: create message"), code)
		}
		return "", eris.Wrap(err, "oracle: create message")
	}
	c.mu.Lock()
	c.usage.Add(resp.Usage)
	c.mu.Unlock()
	return resp.Text(), nil
}

// decodeStrict parses a single JSON object, allowing only a surrounding
// markdown code fence. Prose around the object is rejected.
func decodeStrict(text string, dst any) error {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if !strings.HasSuffix(body, "```") {
			return &ResponseError{Raw: text, Err: eris.Wrap(ErrMalformedResponse, "oracle: unterminated code fence")}
		}
		body = strings.TrimSpace(strings.TrimSuffix(body, "```"))
	}
	if !strings.HasPrefix(body, "{") {
		return &ResponseError{Raw: text, Err: eris.Wrap(ErrMalformedResponse, "oracle: response is not a JSON object")}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ResponseError{Raw: text, Err: eris.Wrapf(ErrMalformedResponse, "oracle: decode: %v", err)}
	}
	if _, err := dec.Token(); err != io.EOF {
		return &ResponseError{Raw: text, Err: eris.Wrap(ErrMalformedResponse, "oracle: trailing data after JSON object")}
	}
	return nil
}

func nonEmptyEvidence(ev map[string][]model.Evidence) map[string][]model.Evidence {
	if len(ev) == 0 {
		return nil
	}
	out := make(map[string][]model.Evidence, len(ev))
	for name, items := range ev {
		if len(items) > 0 {
			out[name] = items
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
