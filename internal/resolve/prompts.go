package resolve

import "fmt"

// Prompt is one entry in the built-in prompt library.
type Prompt struct {
	ID       string
	Title    string
	Template string
}

// builtinPrompts is the fixed prompt library. The ids are stable API for UI
// surfaces; templates are the instruction text sent ahead of page content.
var builtinPrompts = []Prompt{
	{
		ID:       "summarize",
		Title:    "Summarize",
		Template: "Summarize the following page content. Lead with the main point, then cover the supporting details in a few short paragraphs.",
	},
	{
		ID:       "key-points",
		Title:    "Key Points",
		Template: "Extract the key points from the following content as a concise bulleted list. Keep each bullet to one sentence.",
	},
	{
		ID:       "explain",
		Title:    "Explain",
		Template: "Explain the following content in plain language, as if to someone unfamiliar with the topic. Define any jargon you use.",
	},
	{
		ID:       "summarize-video",
		Title:    "Summarize Video",
		Template: "The following is a video transcript. Summarize what the video covers, including the main argument and any conclusions, in viewing order.",
	},
	{
		ID:       "summarize-thread",
		Title:    "Summarize Thread",
		Template: "The following is a discussion thread. Summarize the original post, then the main viewpoints from the replies, noting where commenters agree and disagree.",
	},
	{
		ID:       "summarize-document",
		Title:    "Summarize Document",
		Template: "The following is a document. Summarize its purpose, structure, and key findings or conclusions.",
	},
	{
		ID:       "analyze-selection",
		Title:    "Analyze Selection",
		Template: "The user selected the following text on a page. Explain what it means and add any context that helps understand it.",
	},
}

// preferredByContentType maps a classified content type to the prompt used
// when the request names neither a custom prompt nor a prompt id.
var preferredByContentType = map[string]string{
	"youtube":      "summarize-video",
	"reddit":       "summarize-thread",
	"pdf":          "summarize-document",
	"selectedText": "analyze-selection",
	"general":      "summarize",
}

// Prompts returns the prompt library for listing in UI surfaces.
func Prompts() []Prompt {
	out := make([]Prompt, len(builtinPrompts))
	copy(out, builtinPrompts)
	return out
}

// PromptByID looks up a library prompt.
func PromptByID(id string) (Prompt, bool) {
	for _, p := range builtinPrompts {
		if p.ID == id {
			return p, true
		}
	}
	return Prompt{}, false
}

// ResolvePrompt picks the instruction text for a request. Custom text wins
// outright, then an explicit prompt id, then the content-type preferred
// prompt, then the generic summarizer.
func ResolvePrompt(customText, promptID, contentType string) (string, error) {
	if customText != "" {
		return customText, nil
	}
	if promptID != "" {
		p, ok := PromptByID(promptID)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrPromptNotFound, promptID)
		}
		return p.Template, nil
	}
	if id, ok := preferredByContentType[contentType]; ok {
		p, _ := PromptByID(id)
		return p.Template, nil
	}
	p, _ := PromptByID("summarize")
	return p.Template, nil
}
