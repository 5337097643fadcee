package foundry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ContentKind tags which variant a ContentPart holds.
type ContentKind int

const (
	ContentUnknown ContentKind = iota
	ContentText
	ContentImageFile
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentImageFile:
		return "image_file"
	default:
		return "unknown"
	}
}

// ContentPart is a decoded message content fragment. Exactly one of Text or
// ImageFile is set, matching Kind; ContentUnknown keeps only the raw type tag.
type ContentPart struct {
	Kind      ContentKind
	Type      string
	Text      *TextFragment
	ImageFile *ImageFileFragment
}

// TextFragment is textual content plus any citation annotations.
type TextFragment struct {
	Value       string            `json:"value"`
	Annotations []json.RawMessage `json:"annotations,omitempty"`
}

// ImageFileFragment references an image produced by the agent.
type ImageFileFragment struct {
	FileID string `json:"file_id"`
}

// NewTextPart builds a text fragment.
func NewTextPart(value string) ContentPart {
	return ContentPart{Kind: ContentText, Type: "text", Text: &TextFragment{Value: value}}
}

// UnmarshalJSON accepts the shapes the service has been seen to emit:
//
//	{"type":"text","text":{"value":"..."}}
//	{"type":"text","text":{"text":"..."}}
//	{"type":"text","text":"..."}
//	{"value":"..."}
//	{"type":"image_file","image_file":{"file_id":"..."}}
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      string             `json:"type"`
		Text      json.RawMessage    `json:"text"`
		Value     *string            `json:"value"`
		ImageFile *ImageFileFragment `json:"image_file"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode content part: %w", err)
	}
	*p = ContentPart{Type: raw.Type}

	if hasValue(raw.Text) && (raw.Type == "" || raw.Type == "text") {
		frag, ok, err := decodeTextField(raw.Text)
		if err != nil {
			return err
		}
		if ok {
			p.Kind, p.Text = ContentText, frag
			return nil
		}
	}
	if raw.Value != nil && (raw.Type == "" || raw.Type == "text") {
		p.Kind, p.Text = ContentText, &TextFragment{Value: *raw.Value}
		return nil
	}
	if raw.Type == "image_file" && raw.ImageFile != nil {
		p.Kind, p.ImageFile = ContentImageFile, raw.ImageFile
		return nil
	}
	p.Kind = ContentUnknown
	return nil
}

// MarshalJSON writes the canonical service shape.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case ContentText:
		text := p.Text
		if text == nil {
			text = &TextFragment{}
		}
		return json.Marshal(struct {
			Type string        `json:"type"`
			Text *TextFragment `json:"text"`
		}{"text", text})
	case ContentImageFile:
		return json.Marshal(struct {
			Type      string             `json:"type"`
			ImageFile *ImageFileFragment `json:"image_file"`
		}{"image_file", p.ImageFile})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{p.Type})
	}
}

func decodeTextField(data json.RawMessage) (*TextFragment, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, false, fmt.Errorf("decode text content: %w", err)
		}
		return &TextFragment{Value: s}, true, nil
	}
	var obj struct {
		Value       *string           `json:"value"`
		Text        *string           `json:"text"`
		Annotations []json.RawMessage `json:"annotations"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, false, fmt.Errorf("decode text content: %w", err)
	}
	switch {
	case obj.Value != nil:
		return &TextFragment{Value: *obj.Value, Annotations: obj.Annotations}, true, nil
	case obj.Text != nil:
		return &TextFragment{Value: *obj.Text, Annotations: obj.Annotations}, true, nil
	}
	return nil, false, nil
}

func hasValue(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
