package codec

import (
	"html"
	"strings"
)

// PostNode is the closed sum over Feishu's rich-text node kinds.
// ParagraphNode nests the others; the tree is always two levels deep
// (paragraphs of inline nodes), matching Feishu's own
// content:[[...],[...]] line structure.
type PostNode interface {
	isPostNode()
}

type TextNode struct{ Text string }
type LinkNode struct {
	Text string
	Href string
}
type MentionNode struct {
	// Text is the display label (username or @_user_N token); OpenID is
	// the node's own user_id field, empty when the node carries none.
	Text   string
	OpenID string
}
type ImageNode struct{ ImageKey string }
type CodeInlineNode struct{ Text string }
type ParagraphNode struct{ Nodes []PostNode }

func (TextNode) isPostNode()       {}
func (LinkNode) isPostNode()       {}
func (MentionNode) isPostNode()    {}
func (ImageNode) isPostNode()      {}
func (CodeInlineNode) isPostNode() {}
func (ParagraphNode) isPostNode()  {}

// ParsePost walks a Feishu "post" message's {"content": [[...],[...]]}
// block array into a []ParagraphNode, one per content line.
func ParsePost(contentMap map[string]any) []ParagraphNode {
	lines, _ := contentMap["content"].([]any)
	paragraphs := make([]ParagraphNode, 0, len(lines))
	for _, rawLine := range lines {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		para := ParagraphNode{}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			if node, ok := parsePostPart(part); ok {
				para.Nodes = append(para.Nodes, node)
			}
		}
		paragraphs = append(paragraphs, para)
	}
	return paragraphs
}

func parsePostPart(part map[string]any) (PostNode, bool) {
	tag := strings.ToLower(strings.TrimSpace(stringField(part, "tag")))
	switch tag {
	case "text":
		text, _ := part["text"].(string)
		if strings.TrimSpace(text) == "" {
			return nil, false
		}
		return TextNode{Text: text}, true
	case "a":
		return LinkNode{Text: stringField(part, "text"), Href: stringField(part, "href")}, true
	case "at":
		label := stringField(part, "text")
		if label == "" {
			label = stringField(part, "user_name")
		}
		return MentionNode{Text: label, OpenID: stringField(part, "user_id")}, true
	case "img":
		key := stringField(part, "image_key")
		if key == "" {
			return nil, false
		}
		return ImageNode{ImageKey: key}, true
	case "code_inline":
		return CodeInlineNode{Text: stringField(part, "text")}, true
	default:
		return nil, false
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

// RenderPlain is the plain-text visitor: paragraphs join with "\n",
// mentions render as "@name", links as their label (or URL if unlabeled).
func RenderPlain(paragraphs []ParagraphNode) string {
	var lines []string
	for _, p := range paragraphs {
		var b strings.Builder
		for _, n := range p.Nodes {
			switch v := n.(type) {
			case TextNode:
				b.WriteString(v.Text)
			case CodeInlineNode:
				b.WriteString(v.Text)
			case LinkNode:
				label := v.Text
				if label == "" {
					label = v.Href
				}
				b.WriteString(label)
			case MentionNode:
				name := v.Text
				if name == "" {
					name = "user"
				}
				b.WriteString("@" + strings.TrimPrefix(name, "@"))
			case ImageNode:
				b.WriteString("[image]")
			}
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

// RenderHTML is the formatted_body visitor: each paragraph becomes a <p>,
// inline nodes become spans/anchors, mentions become matrix.to pills when
// mentions resolves an open_id.
func RenderHTML(paragraphs []ParagraphNode, mentions Mentions) string {
	var b strings.Builder
	for _, p := range paragraphs {
		b.WriteString("<p>")
		for i, n := range p.Nodes {
			if i > 0 {
				b.WriteString(" ")
			}
			switch v := n.(type) {
			case TextNode:
				b.WriteString(html.EscapeString(v.Text))
			case CodeInlineNode:
				b.WriteString("<code>" + html.EscapeString(v.Text) + "</code>")
			case LinkNode:
				label := v.Text
				if label == "" {
					label = v.Href
				}
				b.WriteString(`<a href="` + html.EscapeString(v.Href) + `">` + html.EscapeString(label) + `</a>`)
			case MentionNode:
				b.WriteString(renderMentionHTML(v, mentions))
			case ImageNode:
				b.WriteString("<em>[image]</em>")
			}
		}
		b.WriteString("</p>")
	}
	return b.String()
}

func renderMentionHTML(m MentionNode, mentions Mentions) string {
	name := m.Text
	if name == "" {
		name = "user"
	}
	label := "@" + strings.TrimPrefix(name, "@")
	if mentions != nil && m.OpenID != "" {
		if pill := mentions.MatrixPillForOpenID(m.OpenID); pill != "" {
			return `<a href="https://matrix.to/#/` + html.EscapeString(pill) + `">` + html.EscapeString(label) + `</a>`
		}
	}
	return html.EscapeString(label)
}
