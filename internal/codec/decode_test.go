package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFeishu_PlainText(t *testing.T) {
	out, err := DecodeFeishu("text", `{"text":"hello"}`, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, MsgTypeText, out.MsgType)
	assert.Equal(t, "hello", out.Body)
	assert.Empty(t, out.FormattedBody)
}

func TestDecodeFeishu_TextWithMention(t *testing.T) {
	opts := DecodeOptions{
		FeishuMentions: []FeishuMention{{Key: "@_user_1", OpenID: "ou_1", Name: "Bob"}},
		Mentions:       stubMentions{"ou_1": "@feishu_ou_1:example.org"},
	}
	out, err := DecodeFeishu("text", `{"text":"hi @_user_1 !"}`, opts)
	require.NoError(t, err)
	assert.Equal(t, "hi @Bob !", out.Body)
	assert.Contains(t, out.FormattedBody, `matrix.to/#/@feishu_ou_1:example.org`)
}

func TestDecodeFeishu_Post(t *testing.T) {
	content := `{"title":"","content":[[{"tag":"text","text":"line one "},{"tag":"a","text":"link","href":"https://x"}],[{"tag":"text","text":"line two"}]]}`
	out, err := DecodeFeishu("post", content, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, MsgTypeText, out.MsgType)
	assert.Equal(t, "line one link\nline two", out.Body)
	assert.Contains(t, out.FormattedBody, "<p>")
	assert.Contains(t, out.FormattedBody, `<a href="https://x">link</a>`)
}

func TestDecodeFeishu_Image(t *testing.T) {
	out, err := DecodeFeishu("image", `{"image_key":"img_x"}`, DecodeOptions{
		MXCURL: "mxc://hs/abc", MimeType: "image/png", SizeBytes: 512,
	})
	require.NoError(t, err)
	assert.Equal(t, MsgTypeImage, out.MsgType)
	assert.Equal(t, "mxc://hs/abc", out.URL)
	assert.Equal(t, int64(512), out.Info.Size)
}

func TestDecodeFeishu_FileKeepsName(t *testing.T) {
	out, err := DecodeFeishu("file", `{"file_key":"f1"}`, DecodeOptions{Filename: "report.pdf", MXCURL: "mxc://hs/f1"})
	require.NoError(t, err)
	assert.Equal(t, MsgTypeFile, out.MsgType)
	assert.Equal(t, "report.pdf", out.Body)
}

func TestDecodeFeishu_Sticker(t *testing.T) {
	out, err := DecodeFeishu("sticker", `{"sticker_id":"s1"}`, DecodeOptions{MXCURL: "mxc://hs/s1"})
	require.NoError(t, err)
	assert.Equal(t, MsgTypeImage, out.MsgType)
	assert.Equal(t, "(sticker)", out.Body)
}

func TestDecodeFeishu_Card(t *testing.T) {
	raw := `{"header":{"title":{"content":"Alert"}},"elements":[{"text":{"content":"something happened"}},{"actions":[{"text":{"content":"Ack"}}]}]}`
	out, err := DecodeFeishu("interactive", raw, DecodeOptions{})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Contains(t, out.Body, "Alert")
	assert.Contains(t, out.Body, "something happened")
	assert.Contains(t, out.Body, "[Ack]")
	assert.Equal(t, raw, out.CardRaw)
}

type stubMentions map[string]string

func (s stubMentions) MatrixPillForOpenID(openID string) string { return s[openID] }
func (s stubMentions) OpenIDForMatrixID(matrixID string) string {
	for k, v := range s {
		if v == matrixID {
			return k
		}
	}
	return ""
}
