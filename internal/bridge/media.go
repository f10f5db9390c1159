package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"

	"github.com/feishu-matrix/bridge/internal/codec"
	"github.com/feishu-matrix/bridge/internal/store"
)

// fillInboundImage downloads a Feishu image resource and re-uploads it to
// Matrix media, populating opts with the resulting mxc:// URI, consulting
// the MediaCache first so a resource bridged once is never re-uploaded.
func (e *Engine) fillInboundImage(ctx context.Context, opts *codec.DecodeOptions, messageID, contentJSON string) error {
	var c struct {
		ImageKey string `json:"image_key"`
	}
	if err := json.Unmarshal([]byte(contentJSON), &c); err != nil {
		return fmt.Errorf("bridge: decode image content: %w", err)
	}
	return e.relayFeishuResourceToMatrix(ctx, opts, messageID, c.ImageKey, "image", "image")
}

// fillInboundAsset handles file/audio/media (video) content, which share
// Feishu's {file_key, file_name} resource shape.
func (e *Engine) fillInboundAsset(ctx context.Context, opts *codec.DecodeOptions, messageID, contentJSON string) error {
	var c struct {
		FileKey  string `json:"file_key"`
		FileName string `json:"file_name"`
	}
	if err := json.Unmarshal([]byte(contentJSON), &c); err != nil {
		return fmt.Errorf("bridge: decode asset content: %w", err)
	}
	opts.Filename = c.FileName
	return e.relayFeishuResourceToMatrix(ctx, opts, messageID, c.FileKey, "file", "file")
}

func (e *Engine) relayFeishuResourceToMatrix(ctx context.Context, opts *codec.DecodeOptions, messageID, fileKey, resourceType, cacheLabel string) error {
	if fileKey == "" {
		return fmt.Errorf("bridge: %s message %s has no resource key", cacheLabel, messageID)
	}

	data, contentType, err := e.feishu.GetMessageResource(ctx, messageID, fileKey, resourceType)
	if err != nil {
		return fmt.Errorf("bridge: download feishu %s resource: %w", cacheLabel, err)
	}
	hash := sha256Hex(data)

	// Concurrent tasks carrying identical bytes collapse onto one upload;
	// the singleflight key doubles as the media-cache key.
	result, err, _ := e.uploads.Do("matrix:"+hash, func() (any, error) {
		if cached, err := e.store.LookupMedia(ctx, hash, store.SideMatrix); err == nil {
			return cached.RemoteKey, nil
		}

		mxcURI, err := e.matrix.UploadMedia(ctx, opts.Filename, contentType, data)
		if err != nil {
			return "", fmt.Errorf("bridge: upload to matrix media repo: %w", err)
		}

		if err := e.store.RememberMedia(ctx, store.MediaCacheEntry{
			ContentSHA256: hash,
			Side:          store.SideMatrix,
			RemoteKey:     mxcURI,
			SizeBytes:     int64(len(data)),
			MimeType:      contentType,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("failed to record media cache entry", "error", err)
		}
		return mxcURI, nil
	})
	if err != nil {
		return err
	}

	opts.MXCURL = result.(string)
	opts.MimeType = contentType
	opts.SizeBytes = int64(len(data))
	return nil
}

// uploadMatrixMediaToFeishu downloads a Matrix mxc:// resource and uploads
// it to Feishu, returning the image_key or file_key EncodeMatrix needs,
// again consulting the MediaCache before re-uploading identical bytes.
func (e *Engine) uploadMatrixMediaToFeishu(ctx context.Context, mxcURI, filename, msgType string) (opts codec.EncodeOptions, err error) {
	data, contentType, err := e.matrix.DownloadMedia(ctx, mxcURI)
	if err != nil {
		return opts, fmt.Errorf("bridge: download matrix media: %w", err)
	}
	hash := sha256Hex(data)

	result, err, _ := e.uploads.Do("feishu:"+hash, func() (any, error) {
		if cached, lookupErr := e.store.LookupMedia(ctx, hash, store.SideFeishu); lookupErr == nil {
			return cached.RemoteKey, nil
		}

		var remoteKey string
		var uploadErr error
		if msgType == codec.MsgTypeImage {
			remoteKey, uploadErr = e.feishu.UploadImage(ctx, filename, data)
		} else {
			remoteKey, uploadErr = e.feishu.UploadFile(ctx, feishuFileType(msgType, contentType), filename, data)
		}
		if uploadErr != nil {
			return "", fmt.Errorf("bridge: upload to feishu: %w", uploadErr)
		}

		if err := e.store.RememberMedia(ctx, store.MediaCacheEntry{
			ContentSHA256: hash,
			Side:          store.SideFeishu,
			RemoteKey:     remoteKey,
			SizeBytes:     int64(len(data)),
			MimeType:      contentType,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("failed to record media cache entry", "error", err)
		}
		return remoteKey, nil
	})
	if err != nil {
		return opts, err
	}
	return feishuEncodeOptionsFor(msgType, result.(string)), nil
}

func feishuEncodeOptionsFor(msgType, remoteKey string) codec.EncodeOptions {
	if msgType == codec.MsgTypeImage {
		return codec.EncodeOptions{ImageKey: remoteKey}
	}
	return codec.EncodeOptions{FileKey: remoteKey}
}

// feishuFileType maps a Matrix msgtype/mimetype pair to the file_type
// Feishu's upload_file endpoint expects.
func feishuFileType(msgType, mimeType string) string {
	switch msgType {
	case codec.MsgTypeAudio:
		if strings.Contains(mimeType, "opus") {
			return "opus"
		}
		return "mp3"
	case codec.MsgTypeVideo:
		return "mp4"
	default:
		return "stream"
	}
}

func feishuAvatarURL(avatar *larkcontact.AvatarInfo) string {
	if avatar == nil || avatar.Avatar72 == nil {
		return ""
	}
	return strings.TrimSpace(*avatar.Avatar72)
}
