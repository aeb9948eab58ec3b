package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/richinex/postloop/llm"
	"github.com/richinex/postloop/model"
	"gopkg.in/yaml.v3"
)

// AgentKey names one role slot in the settings store. Each mode has its
// own creator, critic and fixer so prompts can differ between posts and
// topic lists.
type AgentKey string

const (
	KeyPostCreator  AgentKey = "post_creator"
	KeyPostCritic   AgentKey = "post_critic"
	KeyPostFixer    AgentKey = "post_fixer"
	KeyTopicCreator AgentKey = "topic_creator"
	KeyTopicCritic  AgentKey = "topic_critic"
	KeyTopicFixer   AgentKey = "topic_fixer"
)

// AgentKeys returns every known key in a stable order.
func AgentKeys() []AgentKey {
	return []AgentKey{
		KeyPostCreator, KeyPostCritic, KeyPostFixer,
		KeyTopicCreator, KeyTopicCritic, KeyTopicFixer,
	}
}

// Role returns the stage the key configures.
func (k AgentKey) Role() model.Role {
	switch k {
	case KeyPostCreator, KeyTopicCreator:
		return model.RoleCreator
	case KeyPostCritic, KeyTopicCritic:
		return model.RoleCritic
	default:
		return model.RoleFixer
	}
}

// KeyFor maps a mode and role onto its settings key.
func KeyFor(mode model.Mode, role model.Role) AgentKey {
	prefix := "post"
	if mode == model.ModeList {
		prefix = "topic"
	}
	return AgentKey(prefix + "_" + role.String())
}

func (k AgentKey) known() bool {
	for _, key := range AgentKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// AgentDefaults is the value a role slot starts with before anyone edits it.
// Empty Provider and Model inherit the process-wide LLM settings.
type AgentDefaults struct {
	Prompt   string `yaml:"prompt"`
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// Defaults holds the starting configuration of every role slot.
type Defaults struct {
	Agents map[AgentKey]AgentDefaults `yaml:"agents"`
}

// For returns the defaults of key, or zero values for an unknown key.
func (d Defaults) For(key AgentKey) AgentDefaults {
	return d.Agents[key]
}

// Validate rejects unknown keys and unknown providers.
func (d Defaults) Validate() error {
	keys := make([]string, 0, len(d.Agents))
	for key := range d.Agents {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	for _, name := range keys {
		key := AgentKey(name)
		if !key.known() {
			return fmt.Errorf("prompts: unknown agent %q", name)
		}
		if p := strings.TrimSpace(d.Agents[key].Provider); p != "" {
			if _, err := llm.ParseProviderType(p); err != nil {
				return fmt.Errorf("prompts: agent %q: %w", name, err)
			}
		}
	}
	return nil
}

// Normalized returns a copy with surrounding whitespace trimmed.
func (d Defaults) Normalized() Defaults {
	out := Defaults{Agents: make(map[AgentKey]AgentDefaults, len(d.Agents))}
	for key, a := range d.Agents {
		out.Agents[key] = AgentDefaults{
			Prompt:   strings.TrimSpace(a.Prompt),
			Provider: strings.ToLower(strings.TrimSpace(a.Provider)),
			Model:    strings.TrimSpace(a.Model),
		}
	}
	return out
}

// merge overlays non-empty fields of other onto d.
func (d Defaults) merge(other Defaults) Defaults {
	out := Defaults{Agents: make(map[AgentKey]AgentDefaults, len(d.Agents))}
	for key, a := range d.Agents {
		out.Agents[key] = a
	}
	for key, o := range other.Agents {
		cur := out.Agents[key]
		if o.Prompt != "" {
			cur.Prompt = o.Prompt
		}
		if o.Provider != "" {
			cur.Provider = o.Provider
		}
		if o.Model != "" {
			cur.Model = o.Model
		}
		out.Agents[key] = cur
	}
	return out
}

// ParseDefaultsYAML decodes a prompts document and overlays it on the built-in defaults.
func ParseDefaultsYAML(data []byte) (Defaults, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Defaults{}, fmt.Errorf("prompts: payload is empty")
	}
	var doc Defaults
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Defaults{}, fmt.Errorf("prompts: decode: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Defaults{}, err
	}
	return BuiltinDefaults().merge(doc.Normalized()), nil
}

// LoadDefaults reads a prompts file. An empty path yields the built-in defaults.
func LoadDefaults(path string) (Defaults, error) {
	if strings.TrimSpace(path) == "" {
		return BuiltinDefaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("prompts: read %s: %w", path, err)
	}
	d, err := ParseDefaultsYAML(data)
	if err != nil {
		return Defaults{}, fmt.Errorf("prompts: %s: %w", path, err)
	}
	return d, nil
}

// BuiltinDefaults returns the prompts shipped with the binary.
func BuiltinDefaults() Defaults {
	return Defaults{Agents: map[AgentKey]AgentDefaults{
		KeyPostCreator:  {Prompt: postCreatorPrompt},
		KeyPostCritic:   {Prompt: postCriticPrompt},
		KeyPostFixer:    {Prompt: postFixerPrompt},
		KeyTopicCreator: {Prompt: topicCreatorPrompt},
		KeyTopicCritic:  {Prompt: topicCriticPrompt},
		KeyTopicFixer:   {Prompt: topicFixerPrompt},
	}}
}

const postCreatorPrompt = `You are a social media copywriter. Write one post about the given topic
within the given weekly theme. Open with a hook, keep paragraphs short, end
with a question or call to action. Output only the post text.`

const postCriticPrompt = `You are a strict social media editor. Score the post from 0 to 100 for
hook strength, clarity, relevance to the topic and engagement potential.
Respond in JSON: {"score": <integer 0-100>, "critique": "<concrete problems to fix>"}.`

const postFixerPrompt = `You are a social media copywriter revising a post. Address every point of
the critique while keeping the topic and voice. Output only the revised post
text, with no preamble, notes or explanation.`

const topicCreatorPrompt = `You are a content strategist planning a week of social media posts.
Generate exactly the requested number of distinct topics for the theme, each
with a category and a few tags. Avoid topics already covered.
Respond in JSON: {"topics": [{"topic": "...", "category": "...", "tags": ["..."]}]}.`

const topicCriticPrompt = `You are a content strategy reviewer. Evaluate the topic list as a whole for
variety, relevance to the theme, engagement potential and category balance.
Respond in JSON: {"score": <integer 0-100>, "critique": "<concrete problems to fix>"}.`

const topicFixerPrompt = `You are a content strategist revising a topic list. Address the critique,
keep exactly the same number of topics and the same JSON shape:
{"topics": [{"topic": "...", "category": "...", "tags": ["..."]}]}. Output only the JSON.`
