// Package feishuapi is the bridge's typed Feishu/Lark client: token
// lifecycle, {code,msg,data} envelope handling, error classification,
// retry/backoff, and upload/download size gates. It wraps
// larksuite/oapi-sdk-go/v3 for transport; the SDK's lark.Client already
// serializes tenant_access_token refresh behind its AccessTokenManager, so
// concurrent callers share one in-flight refresh without an extra cache
// here.
package feishuapi

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/feishu-matrix/bridge/internal/media"
)

const (
	MaxImageBytes    int64 = 10 << 20
	MaxFileBytes     int64 = 30 << 20
	MaxResourceBytes int64 = 100 << 20
)

type Region string

const (
	RegionFeishu Region = "feishu"
	RegionLark   Region = "lark"
)

func (r Region) baseURL() string {
	if r == RegionLark {
		return "https://open.larksuite.com"
	}
	return "https://open.feishu.cn"
}

// Client is the bridge's handle onto the Feishu open platform.
type Client struct {
	sdk    *lark.Client
	retry  RetryPolicy
	logger *slog.Logger
}

// New constructs a Client for the given app credentials and region.
func New(log *slog.Logger, appID, appSecret string, region Region, retry RetryPolicy) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		sdk:    lark.NewClient(appID, appSecret, lark.WithOpenBaseUrl(region.baseURL())),
		retry:  retry,
		logger: log.With(slog.String("component", "feishuapi")),
	}
}

// MessageResult is the typed result of a send/reply call.
type MessageResult struct {
	MessageID string
}

// SendMessage posts a new message into a chat or to a user.
// uuid deduplicates the call on Feishu's side for one hour.
func (c *Client) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, contentJSON, uuid string) (MessageResult, error) {
	var out MessageResult
	err := withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewCreateMessageReqBuilder().
			ReceiveIdType(receiveIDType).
			Body(larkim.NewCreateMessageReqBodyBuilder().
				ReceiveId(receiveID).
				MsgType(msgType).
				Content(contentJSON).
				Uuid(uuid).
				Build()).
			Build()
		resp, err := c.sdk.Im.V1.Message.Create(ctx, req)
		if err != nil {
			return err
		}
		if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
			return apiErr
		}
		if resp.Data != nil && resp.Data.MessageId != nil {
			out.MessageID = *resp.Data.MessageId
		}
		return nil
	})
	return out, err
}

// ReplyMessage replies to an existing message, optionally within its thread.
func (c *Client) ReplyMessage(ctx context.Context, parentMessageID, msgType, contentJSON string, replyInThread bool, uuid string) (MessageResult, error) {
	var out MessageResult
	err := withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(parentMessageID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType(msgType).
				Content(contentJSON).
				ReplyInThread(replyInThread).
				Uuid(uuid).
				Build()).
			Build()
		resp, err := c.sdk.Im.V1.Message.Reply(ctx, req)
		if err != nil {
			return err
		}
		if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
			return apiErr
		}
		if resp.Data != nil && resp.Data.MessageId != nil {
			out.MessageID = *resp.Data.MessageId
		}
		return nil
	})
	return out, err
}

// UpdateMessage replaces a message's content in place (Matrix m.replace).
func (c *Client) UpdateMessage(ctx context.Context, messageID, newContentJSON string) error {
	return withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewPatchMessageReqBuilder().
			MessageId(messageID).
			Body(larkim.NewPatchMessageReqBodyBuilder().
				Content(newContentJSON).
				Build()).
			Build()
		resp, err := c.sdk.Im.V1.Message.Patch(ctx, req)
		if err != nil {
			return err
		}
		return envelopeError(resp.Code, resp.Msg)
	})
}

// RecallMessage deletes a message (Matrix redaction).
func (c *Client) RecallMessage(ctx context.Context, messageID string) error {
	return withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewDeleteMessageReqBuilder().MessageId(messageID).Build()
		resp, err := c.sdk.Im.V1.Message.Delete(ctx, req)
		if err != nil {
			return err
		}
		return envelopeError(resp.Code, resp.Msg)
	})
}

// GetMessage fetches a message's structured content.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*larkim.Message, error) {
	var out *larkim.Message
	err := withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewGetMessageReqBuilder().MessageId(messageID).Build()
		resp, err := c.sdk.Im.V1.Message.Get(ctx, req)
		if err != nil {
			return err
		}
		if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
			return apiErr
		}
		if resp.Data != nil && len(resp.Data.Items) > 0 {
			out = resp.Data.Items[0]
		}
		return nil
	})
	return out, err
}

// GetMessageResource downloads an attachment (image/file key) belonging to
// a message, returning the bytes and their content type. The response body
// is capped at MaxResourceBytes while reading, since the SDK does not
// expose Content-Length up front.
func (c *Client) GetMessageResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error) {
	var body []byte
	var contentType string
	err := withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewGetMessageResourceReqBuilder().
			MessageId(messageID).
			FileKey(fileKey).
			Type(resourceType).
			Build()
		resp, err := c.sdk.Im.V1.MessageResource.Get(ctx, req)
		if err != nil {
			return err
		}
		if !resp.Success() {
			return envelopeError(resp.Code, resp.Msg)
		}
		if resp.File == nil {
			return fmt.Errorf("feishuapi: empty resource payload")
		}
		data, readErr := media.ReadAllWithLimit(resp.File, MaxResourceBytes)
		if readErr != nil {
			return readErr
		}
		body = data
		contentType = resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return nil
	})
	return body, contentType, err
}

// UploadImage uploads image bytes and returns Feishu's image_key.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) (string, error) {
	if int64(len(data)) > MaxImageBytes {
		return "", &ErrPayloadTooLarge{Kind: "image", Size: int64(len(data)), Limit: MaxImageBytes}
	}
	var key string
	err := withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewCreateImageReqBuilder().
			Body(larkim.NewCreateImageReqBodyBuilder().
				ImageType(larkim.ImageTypeMessage).
				Image(bytes.NewReader(data)).
				Build()).
			Build()
		resp, err := c.sdk.Im.V1.Image.Create(ctx, req)
		if err != nil {
			return err
		}
		if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
			return apiErr
		}
		if resp.Data != nil && resp.Data.ImageKey != nil {
			key = *resp.Data.ImageKey
		}
		return nil
	})
	return key, err
}

// UploadFile uploads file bytes and returns Feishu's file_key.
func (c *Client) UploadFile(ctx context.Context, fileType, name string, data []byte) (string, error) {
	if int64(len(data)) > MaxFileBytes {
		return "", &ErrPayloadTooLarge{Kind: "file", Size: int64(len(data)), Limit: MaxFileBytes}
	}
	var key string
	err := withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewCreateFileReqBuilder().
			Body(larkim.NewCreateFileReqBodyBuilder().
				FileType(fileType).
				FileName(name).
				File(bytes.NewReader(data)).
				Build()).
			Build()
		resp, err := c.sdk.Im.V1.File.Create(ctx, req)
		if err != nil {
			return err
		}
		if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
			return apiErr
		}
		if resp.Data != nil && resp.Data.FileKey != nil {
			key = *resp.Data.FileKey
		}
		return nil
	})
	return key, err
}

// GetChat fetches chat metadata used to populate/refresh a RoomMapping.
func (c *Client) GetChat(ctx context.Context, chatID string) (*larkim.Chat, error) {
	var out *larkim.Chat
	err := withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkim.NewGetChatReqBuilder().ChatId(chatID).Build()
		resp, err := c.sdk.Im.Chat.Get(ctx, req)
		if err != nil {
			return err
		}
		if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
			return apiErr
		}
		out = resp.Data
		return nil
	})
	return out, err
}

// GetUser fetches user profile data used to populate/refresh a UserMapping.
func (c *Client) GetUser(ctx context.Context, openID string) (*larkcontact.User, error) {
	var out *larkcontact.User
	err := withRetry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		req := larkcontact.NewGetUserReqBuilder().
			UserId(openID).
			UserIdType(larkcontact.UserIdTypeOpenId).
			Build()
		resp, err := c.sdk.Contact.User.Get(ctx, req)
		if err != nil {
			return err
		}
		if apiErr := envelopeError(resp.Code, resp.Msg); apiErr != nil {
			return apiErr
		}
		if resp.Data != nil {
			out = resp.Data.User
		}
		return nil
	})
	return out, err
}

func envelopeError(code int, msg string) error {
	if code == 0 {
		return nil
	}
	return &APIError{Code: code, Msg: msg, Class: classifyCode(code)}
}
