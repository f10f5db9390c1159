package feishuapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

const (
	defaultDirectoryPageSize = 20
	maxDirectoryPageSize     = 200
)

func directoryLimit(n int) int {
	if n <= 0 {
		return defaultDirectoryPageSize
	}
	if n > maxDirectoryPageSize {
		return maxDirectoryPageSize
	}
	return n
}

// DirectoryEntry is one user or chat surfaced by the operator directory
// endpoints, used when reconciling mappings against the Feishu side.
type DirectoryEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ListUsers lists users from the Feishu contact directory.
func (c *Client) ListUsers(ctx context.Context, limit int) ([]DirectoryEntry, error) {
	req := larkcontact.NewListUserReqBuilder().
		UserIdType(larkcontact.UserIdTypeOpenId).
		DepartmentIdType(larkcontact.DepartmentIdTypeOpenDepartmentId).
		DepartmentId("0").
		PageSize(directoryLimit(limit)).
		Build()
	resp, err := c.sdk.Contact.User.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("feishuapi: list users: %w", err)
	}
	if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
		return nil, apiErr
	}
	entries := make([]DirectoryEntry, 0, len(resp.Data.Items))
	for _, u := range resp.Data.Items {
		entries = append(entries, DirectoryEntry{
			ID:        deref(u.OpenId),
			Name:      deref(u.Name),
			AvatarURL: avatar72(u.Avatar),
		})
	}
	return entries, nil
}

// ListChats lists chats the app is a member of.
func (c *Client) ListChats(ctx context.Context, limit int) ([]DirectoryEntry, error) {
	req := larkim.NewListChatReqBuilder().
		UserIdType("open_id").
		PageSize(directoryLimit(limit)).
		Build()
	resp, err := c.sdk.Im.Chat.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("feishuapi: list chats: %w", err)
	}
	if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
		return nil, apiErr
	}
	entries := make([]DirectoryEntry, 0, len(resp.Data.Items))
	for _, chat := range resp.Data.Items {
		entries = append(entries, DirectoryEntry{
			ID:        deref(chat.ChatId),
			Name:      deref(chat.Name),
			AvatarURL: deref(chat.Avatar),
		})
	}
	return entries, nil
}

// LookupChatMemberName resolves a member's display name through the chat
// membership list, a fallback for tenants where contact read scope is
// missing and GetUser returns a permission error.
func (c *Client) LookupChatMemberName(ctx context.Context, chatID, openID string) (string, error) {
	req := larkim.NewGetChatMembersReqBuilder().
		ChatId(chatID).
		MemberIdType("open_id").
		PageSize(100).
		Build()
	resp, err := c.sdk.Im.ChatMembers.Get(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishuapi: get chat members: %w", err)
	}
	if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
		return "", apiErr
	}
	for _, m := range resp.Data.Items {
		if deref(m.MemberId) == openID {
			return strings.TrimSpace(deref(m.Name)), nil
		}
	}
	return "", fmt.Errorf("feishuapi: member %s not in chat %s", openID, chatID)
}

// BotIdentity is the app's own identity on the Feishu side.
type BotIdentity struct {
	OpenID    string
	Name      string
	AvatarURL string
}

// DiscoverSelf retrieves the bot's own open_id from the platform, used for
// mention detection and to suppress echoes of the bridge's own sends.
func (c *Client) DiscoverSelf(ctx context.Context) (BotIdentity, error) {
	resp, err := c.sdk.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return BotIdentity{}, fmt.Errorf("feishuapi: discover self: %w", err)
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID    string `json:"open_id"`
			AppName   string `json:"app_name"`
			AvatarURL string `json:"avatar_url"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &body); err != nil {
		return BotIdentity{}, fmt.Errorf("feishuapi: discover self: parse response: %w", err)
	}
	if body.Code != 0 {
		return BotIdentity{}, envelopeError(body.Code, body.Msg)
	}
	openID := strings.TrimSpace(body.Bot.OpenID)
	if openID == "" {
		return BotIdentity{}, fmt.Errorf("feishuapi: discover self: empty open_id")
	}
	return BotIdentity{
		OpenID:    openID,
		Name:      strings.TrimSpace(body.Bot.AppName),
		AvatarURL: strings.TrimSpace(body.Bot.AvatarURL),
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func avatar72(a *larkcontact.AvatarInfo) string {
	if a == nil || a.Avatar72 == nil {
		return ""
	}
	return strings.TrimSpace(*a.Avatar72)
}
