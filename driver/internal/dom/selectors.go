package dom

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Strategy is one tagged selector. Inner, when set on a response strategy,
// narrows the container to its content element.
type Strategy struct {
	Name  string `yaml:"name" json:"name"`
	CSS   string `yaml:"css" json:"css"`
	Inner string `yaml:"inner,omitempty" json:"inner,omitempty"`
}

// Selectors holds the ordered strategy lists, most specific first.
type Selectors struct {
	Input    []Strategy `yaml:"input"`
	Send     []Strategy `yaml:"send"`
	Stop     []Strategy `yaml:"stop"`
	Response []Strategy `yaml:"response"`
}

// SelectorFunc returns the selectors currently in force. It is called on
// every lookup so a reloaded selectors file takes effect on the next request.
type SelectorFunc func() Selectors

// Fixed returns a SelectorFunc that always yields s.
func Fixed(s Selectors) SelectorFunc {
	return func() Selectors { return s }
}

// DefaultSelectors targets the Gemini web app.
func DefaultSelectors() Selectors {
	return Selectors{
		Input: []Strategy{
			{Name: "quill-in-rich-textarea", CSS: "rich-textarea .ql-editor"},
			{Name: "quill-textarea", CSS: "div.ql-editor.textarea"},
			{Name: "quill", CSS: "div.ql-editor"},
			{Name: "aria-zh", CSS: `[aria-label*="输入提示"]`},
			{Name: "aria-en", CSS: `[aria-label*="Enter a prompt"]`},
			{Name: "aria-prompt", CSS: `[aria-label*="prompt"]`},
			{Name: "contenteditable-textbox", CSS: `div[contenteditable="true"][role="textbox"]`},
		},
		Send: []Strategy{
			{Name: "send-button", CSS: "button.send-button"},
			{Name: "aria-zh-exact", CSS: `button[aria-label="发送"]`},
			{Name: "aria-en-exact", CSS: `button[aria-label="Send message"]`},
			{Name: "aria-en", CSS: `button[aria-label*="Send"]`},
			{Name: "aria-zh", CSS: `button[aria-label*="发送"]`},
		},
		Stop: []Strategy{
			{Name: "aria-en", CSS: `button[aria-label*="Stop"]`},
			{Name: "aria-zh", CSS: `button[aria-label*="停止"]`},
		},
		Response: []Strategy{
			{Name: "message-content-id", CSS: `div[id^="model-response-message-content"]`},
			{Name: "author-role", CSS: `[data-message-author-role="model"]`, Inner: ".markdown, .model-response-text"},
			{Name: "message-content", CSS: "message-content"},
			{Name: "model-response", CSS: "model-response"},
		},
	}
}

// Merge overlays the non-empty lists of o onto s.
func (s Selectors) Merge(o Selectors) Selectors {
	if len(o.Input) > 0 {
		s.Input = o.Input
	}
	if len(o.Send) > 0 {
		s.Send = o.Send
	}
	if len(o.Stop) > 0 {
		s.Stop = o.Stop
	}
	if len(o.Response) > 0 {
		s.Response = o.Response
	}
	return s
}

// Validate rejects strategies without CSS.
func (s Selectors) Validate() error {
	lists := map[string][]Strategy{"input": s.Input, "send": s.Send, "stop": s.Stop, "response": s.Response}
	for name, list := range lists {
		for i, st := range list {
			if st.CSS == "" {
				return fmt.Errorf("dom: %s strategy %d (%q) has no css", name, i, st.Name)
			}
		}
	}
	if len(s.Input) == 0 || len(s.Response) == 0 {
		return fmt.Errorf("dom: input and response strategies are required")
	}
	return nil
}

// ReadSelectorsFile parses a YAML selectors file without applying defaults.
func ReadSelectorsFile(path string) (Selectors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Selectors{}, fmt.Errorf("dom: read selectors: %w", err)
	}
	var overlay Selectors
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Selectors{}, fmt.Errorf("dom: parse selectors: %w", err)
	}
	return overlay, nil
}

// LoadSelectorsFile reads a YAML selectors file and overlays it on the defaults.
func LoadSelectorsFile(path string) (Selectors, error) {
	overlay, err := ReadSelectorsFile(path)
	if err != nil {
		return Selectors{}, err
	}
	merged := DefaultSelectors().Merge(overlay)
	if err := merged.Validate(); err != nil {
		return Selectors{}, err
	}
	return merged, nil
}
