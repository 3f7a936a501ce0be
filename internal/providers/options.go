package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Options are per-call generation options. Zero values mean "use the
// adapter default".
type Options struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"maxTokens,omitempty" validate:"gte=0"`
	TopP        *float64 `json:"topP,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stop        []string `json:"stop,omitempty"`
	Tools       []Tool   `json:"tools,omitempty"`
	Stream      bool     `json:"stream,omitempty"`

	UseCache       bool   `json:"useCache,omitempty"`
	CacheKey       string `json:"cacheKey,omitempty"`
	ProfileID      string `json:"profileId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	// Batch selects batch-mode pricing.
	Batch bool `json:"batch,omitempty"`
}

// Float returns a pointer to v, for optional Options fields.
func Float(v float64) *float64 { return &v }

// Clone returns a deep copy of o so callers' slices are never shared.
func (o Options) Clone() Options {
	out := o
	if o.Temperature != nil {
		out.Temperature = Float(*o.Temperature)
	}
	if o.TopP != nil {
		out.TopP = Float(*o.TopP)
	}
	if o.Stop != nil {
		out.Stop = append([]string(nil), o.Stop...)
	}
	if o.Tools != nil {
		out.Tools = append([]Tool(nil), o.Tools...)
	}
	return out
}

// optionAliases maps every accepted spelling to its canonical key.
var optionAliases = map[string]string{
	"provider":        "provider",
	"model":           "model",
	"temperature":     "temperature",
	"maxtokens":       "maxTokens",
	"max_tokens":      "maxTokens",
	"topp":            "topP",
	"top_p":           "topP",
	"stop":            "stop",
	"stop_sequences":  "stop",
	"stopsequences":   "stop",
	"tools":           "tools",
	"functions":       "tools",
	"stream":          "stream",
	"usecache":        "useCache",
	"use_cache":       "useCache",
	"cachekey":        "cacheKey",
	"cache_key":       "cacheKey",
	"profileid":       "profileId",
	"profile_id":      "profileId",
	"conversationid":  "conversationId",
	"conversation_id": "conversationId",
	"batch":           "batch",
}

// OptionsFromMap normalises a loosely-typed options map, accepting both the
// camelCase keys and the legacy snake_case spellings. The input map is never
// modified. Unknown keys are ignored.
func OptionsFromMap(m map[string]any) (Options, error) {
	if len(m) == 0 {
		return Options{}, nil
	}
	canon := make(map[string]any, len(m))
	for k, v := range m {
		key, ok := optionAliases[strings.ToLower(k)]
		if !ok {
			continue
		}
		// The canonical spelling wins over a legacy alias.
		if _, seen := canon[key]; seen && k != key {
			continue
		}
		canon[key] = v
	}

	raw, err := json.Marshal(canon)
	if err != nil {
		return Options{}, &OptionError{Field: "options", Reason: err.Error()}
	}
	var out Options
	if err := json.Unmarshal(raw, &out); err != nil {
		return Options{}, &OptionError{Field: "options", Reason: fmt.Sprintf("malformed value: %v", err)}
	}
	return out, nil
}
