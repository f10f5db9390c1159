package codec

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// EncodeOptions carries what EncodeMatrix needs beyond the Matrix content
// itself: the mention resolver, and — for media kinds — the Feishu
// image_key/file_key the Bridging Engine already obtained by uploading the
// mxc:// resource to Feishu ahead of the call.
type EncodeOptions struct {
	Mentions Mentions
	ImageKey string
	FileKey  string
}

// EncodeMatrix converts Matrix message content into a Feishu msg_type +
// content JSON. degraded reports whether fidelity was intentionally
// reduced (unrepresentable markup flattened to plain text).
func EncodeMatrix(content MatrixContent, opts EncodeOptions) (msgType, contentJSON string, degraded bool, err error) {
	switch content.MsgType {
	case MsgTypeText, MsgTypeNotice:
		return encodeText(content, opts)
	case MsgTypeImage:
		if opts.ImageKey == "" {
			return "", "", false, fmt.Errorf("codec: encode image: missing image_key")
		}
		j, _ := json.Marshal(map[string]string{"image_key": opts.ImageKey})
		return "image", string(j), false, nil
	case MsgTypeFile, MsgTypeAudio, MsgTypeVideo:
		if opts.FileKey == "" {
			return "", "", false, fmt.Errorf("codec: encode %s: missing file_key", content.MsgType)
		}
		j, _ := json.Marshal(map[string]string{"file_key": opts.FileKey})
		return "file", string(j), false, nil
	default:
		return "", "", false, fmt.Errorf("codec: unsupported matrix msgtype %q", content.MsgType)
	}
}

func encodeText(content MatrixContent, opts EncodeOptions) (msgType, contentJSON string, degraded bool, err error) {
	if !hasStyledMarkup(content.FormattedBody, content.Body) {
		j, _ := json.Marshal(map[string]string{"text": content.Body})
		return "text", string(j), false, nil
	}

	blocks, ok := parseHTMLToPost(content.FormattedBody, opts.Mentions)
	if !ok {
		// Fidelity loss: the HTML couldn't be represented as a post tree.
		j, _ := json.Marshal(map[string]string{"text": content.Body})
		return "text", string(j), true, nil
	}
	payload := map[string]any{
		"zh_cn": map[string]any{
			"title":   "",
			"content": blocks,
		},
	}
	j, err := json.Marshal(payload)
	if err != nil {
		return "", "", false, fmt.Errorf("codec: marshal post content: %w", err)
	}
	return "post", string(j), false, nil
}

// hasStyledMarkup reports whether formattedBody carries real markup
// beyond a trivial single <p>plain text</p> wrapper of body; only styled
// content is worth a "post" rendition over plain text.
func hasStyledMarkup(formattedBody, body string) bool {
	if formattedBody == "" {
		return false
	}
	trivial := "<p>" + html.EscapeString(body) + "</p>"
	return strings.TrimSpace(formattedBody) != trivial
}

var (
	tagRe      = regexp.MustCompile(`(?is)<(/?)(\w+)([^>]*)>`)
	attrHrefRe = regexp.MustCompile(`(?is)href\s*=\s*"([^"]*)"`)
	matrixToRe = regexp.MustCompile(`^https://matrix\.to/#/(@[^/]+)$`)
)

// parseHTMLToPost is a small, tag-aware tokenizer — not a general HTML
// parser — sufficient for the markup the codec itself emits and the
// common subset (<p>, <br/>, <a>, <code>) a Matrix client sends. It
// returns ok=false when it encounters markup it cannot faithfully round
// trip, so the caller can fall back to plain text.
func parseHTMLToPost(formattedBody string, mentions Mentions) ([][]map[string]any, bool) {
	paragraphs := splitParagraphs(formattedBody)
	blocks := make([][]map[string]any, 0, len(paragraphs))
	for _, para := range paragraphs {
		line, ok := tokenizeInline(para, mentions)
		if !ok {
			return nil, false
		}
		if len(line) > 0 {
			blocks = append(blocks, line)
		}
	}
	if len(blocks) == 0 {
		return nil, false
	}
	return blocks, true
}

func splitParagraphs(formattedBody string) []string {
	body := formattedBody
	body = regexp.MustCompile(`(?is)</p>\s*<p>`).ReplaceAllString(body, "\x00")
	body = regexp.MustCompile(`(?is)<br\s*/?>`).ReplaceAllString(body, "\x00")
	body = regexp.MustCompile(`(?is)^<p>`).ReplaceAllString(body, "")
	body = regexp.MustCompile(`(?is)</p>$`).ReplaceAllString(body, "")
	return strings.Split(body, "\x00")
}

// tokenizeInline walks one paragraph's inline markup into Feishu post
// block parts. Unsupported tags cause ok=false.
func tokenizeInline(segment string, mentions Mentions) ([]map[string]any, bool) {
	var parts []map[string]any
	rest := segment
	for len(rest) > 0 {
		loc := tagRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			if text := html.UnescapeString(rest); strings.TrimSpace(text) != "" {
				parts = append(parts, map[string]any{"tag": "text", "text": text})
			}
			break
		}
		if loc[0] > 0 {
			plain := rest[:loc[0]]
			if text := html.UnescapeString(plain); strings.TrimSpace(text) != "" {
				parts = append(parts, map[string]any{"tag": "text", "text": text})
			}
		}
		closing := rest[loc[2]:loc[3]] == "/"
		tagName := strings.ToLower(rest[loc[4]:loc[5]])
		attrs := rest[loc[6]:loc[7]]
		tail := rest[loc[1]:]

		switch tagName {
		case "a":
			if closing {
				return nil, false // unmatched closing anchor
			}
			href := ""
			if m := attrHrefRe.FindStringSubmatch(attrs); m != nil {
				href = m[1]
			}
			closeIdx := strings.Index(strings.ToLower(tail), "</a>")
			if closeIdx < 0 {
				return nil, false
			}
			label := html.UnescapeString(tail[:closeIdx])
			rest = tail[closeIdx+len("</a>"):]

			if matrixToRe.MatchString(href) {
				matrixID := matrixToRe.FindStringSubmatch(href)[1]
				openID := ""
				if mentions != nil {
					openID = mentions.OpenIDForMatrixID(matrixID)
				}
				if openID != "" {
					parts = append(parts, map[string]any{"tag": "at", "user_id": openID})
					continue
				}
			}
			parts = append(parts, map[string]any{"tag": "a", "text": label, "href": href})
			continue
		case "code":
			if closing {
				return nil, false
			}
			closeIdx := strings.Index(strings.ToLower(tail), "</code>")
			if closeIdx < 0 {
				return nil, false
			}
			text := html.UnescapeString(tail[:closeIdx])
			parts = append(parts, map[string]any{"tag": "code_inline", "text": text})
			rest = tail[closeIdx+len("</code>"):]
			continue
		case "strong", "b", "em", "i", "span":
			// Inline styling with no Feishu post equivalent is dropped,
			// keeping the text but losing the emphasis — an accepted
			// fidelity reduction, not a hard failure.
			rest = tail
			continue
		default:
			return nil, false
		}
	}
	return parts, true
}

// NormalizeForEquality strips whitespace differences so the Bridging
// Engine can detect an edit that changed nothing and skip the update
// call.
func NormalizeForEquality(contentJSON string) string {
	var v any
	if err := json.Unmarshal([]byte(contentJSON), &v); err != nil {
		return strings.TrimSpace(contentJSON)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(contentJSON)
	}
	return string(out)
}
