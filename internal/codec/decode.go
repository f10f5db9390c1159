package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FeishuMention is one entry of a text message's mention list — carried by
// the event envelope (larkim.MentionEvent) rather than the content JSON
// itself, so the caller passes it in alongside the raw content.
type FeishuMention struct {
	Key    string // the "@_user_N" token the text body contains
	OpenID string
	Name   string
}

// DecodeOptions carries everything DecodeFeishu needs beyond the raw
// content JSON: the mention resolver, the sender's mention list (text
// messages only), and — for media kinds — the already-uploaded mxc://
// URI plus metadata, since fetching and re-uploading bytes is I/O the
// Bridging Engine performs before calling the codec.
type DecodeOptions struct {
	Mentions       Mentions
	FeishuMentions []FeishuMention
	MXCURL         string
	Filename       string
	MimeType       string
	SizeBytes      int64
	Width, Height  int
}

// DecodeFeishu converts a Feishu msg_type + content JSON into Matrix
// message content.
func DecodeFeishu(msgType, contentJSON string, opts DecodeOptions) (MatrixContent, error) {
	var contentMap map[string]any
	if contentJSON != "" {
		if err := json.Unmarshal([]byte(contentJSON), &contentMap); err != nil {
			return MatrixContent{}, fmt.Errorf("codec: decode feishu content: %w", err)
		}
	}

	switch msgType {
	case "text":
		return decodeText(contentMap, opts), nil
	case "post":
		return decodePost(contentMap, opts), nil
	case "image":
		return decodeImage(opts), nil
	case "file":
		return decodeAsset(MsgTypeFile, opts), nil
	case "audio":
		return decodeAsset(MsgTypeAudio, opts), nil
	case "media":
		return decodeAsset(MsgTypeVideo, opts), nil
	case "sticker":
		return decodeSticker(opts), nil
	case "interactive":
		return decodeCard(contentMap, contentJSON), nil
	default:
		return MatrixContent{}, fmt.Errorf("codec: unsupported feishu msg_type %q", msgType)
	}
}

func decodeText(contentMap map[string]any, opts DecodeOptions) MatrixContent {
	text, _ := contentMap["text"].(string)
	body, html := substituteMentions(text, opts)
	out := MatrixContent{MsgType: MsgTypeText, Body: body}
	if html != body {
		out.Format = HTMLFormat
		out.FormattedBody = html
	}
	return out
}

// substituteMentions replaces each "@_user_N" token with the mentioned
// user's display name for body, and with a matrix.to pill anchor for
// formatted_body.
func substituteMentions(text string, opts DecodeOptions) (body, htmlBody string) {
	body, htmlBody = text, escapeHTML(text)
	for _, m := range opts.FeishuMentions {
		if m.Key == "" {
			continue
		}
		name := m.Name
		if name == "" {
			name = "user"
		}
		label := "@" + name
		body = strings.ReplaceAll(body, m.Key, label)

		pillHTML := escapeHTML(label)
		if opts.Mentions != nil && m.OpenID != "" {
			if pill := opts.Mentions.MatrixPillForOpenID(m.OpenID); pill != "" {
				pillHTML = `<a href="https://matrix.to/#/` + escapeHTML(pill) + `">` + escapeHTML(label) + `</a>`
			}
		}
		htmlBody = strings.ReplaceAll(htmlBody, escapeHTML(m.Key), pillHTML)
	}
	return body, htmlBody
}

func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func decodePost(contentMap map[string]any, opts DecodeOptions) MatrixContent {
	paragraphs := ParsePost(contentMap)
	body := RenderPlain(paragraphs)
	formatted := RenderHTML(paragraphs, opts.Mentions)
	return MatrixContent{
		MsgType:       MsgTypeText,
		Body:          body,
		Format:        HTMLFormat,
		FormattedBody: formatted,
	}
}

func decodeImage(opts DecodeOptions) MatrixContent {
	return MatrixContent{
		MsgType: MsgTypeImage,
		Body:    displayFilename(opts.Filename, "image"),
		URL:     opts.MXCURL,
		Info: &MediaInfo{
			Size:     opts.SizeBytes,
			MimeType: opts.MimeType,
			Width:    opts.Width,
			Height:   opts.Height,
		},
	}
}

func decodeAsset(msgType string, opts DecodeOptions) MatrixContent {
	return MatrixContent{
		MsgType: msgType,
		Body:    displayFilename(opts.Filename, "file"),
		URL:     opts.MXCURL,
		Info: &MediaInfo{
			Size:     opts.SizeBytes,
			MimeType: opts.MimeType,
		},
	}
}

func decodeSticker(opts DecodeOptions) MatrixContent {
	// Matrix has no universal m.sticker msgtype for room messages; emit
	// m.image with a filename fallback.
	return MatrixContent{
		MsgType: MsgTypeImage,
		Body:    displayFilename(opts.Filename, "(sticker)"),
		URL:     opts.MXCURL,
		Info: &MediaInfo{
			Size:     opts.SizeBytes,
			MimeType: opts.MimeType,
		},
	}
}

func displayFilename(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return fallback
	}
	return name
}

// cardElement is the subset of a Feishu interactive-card JSON the codec
// extracts text from: header title, leaf div/text elements, and action
// button labels. Cards are too structurally rich for a lossless Matrix
// mapping, so decodeCard always projects to plain text + HTML, preserving
// the original JSON for traceability.
func decodeCard(contentMap map[string]any, rawJSON string) MatrixContent {
	var lines []string
	if header, ok := contentMap["header"].(map[string]any); ok {
		if title, ok := header["title"].(map[string]any); ok {
			if text, ok := title["content"].(string); ok && text != "" {
				lines = append(lines, text)
			}
		}
	}
	if elements, ok := contentMap["elements"].([]any); ok {
		collectCardText(elements, &lines)
	}

	body := strings.Join(lines, "\n")
	var html strings.Builder
	for _, l := range lines {
		html.WriteString("<p>" + escapeHTML(l) + "</p>")
	}

	return MatrixContent{
		MsgType:       MsgTypeText,
		Body:          body,
		Format:        HTMLFormat,
		FormattedBody: html.String(),
		CardRaw:       rawJSON,
		Degraded:      true,
	}
}

func collectCardText(elements []any, out *[]string) {
	for _, raw := range elements {
		el, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := el["text"].(map[string]any); ok {
			if content, ok := text["content"].(string); ok && content != "" {
				*out = append(*out, content)
			}
		}
		if actions, ok := el["actions"].([]any); ok {
			for _, raw := range actions {
				action, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := action["text"].(map[string]any); ok {
					if content, ok := text["content"].(string); ok && content != "" {
						*out = append(*out, "["+content+"]")
					}
				}
			}
		}
		if nested, ok := el["elements"].([]any); ok {
			collectCardText(nested, out)
		}
	}
}
