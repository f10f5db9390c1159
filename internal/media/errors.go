package media

import "errors"

// ErrAssetTooLarge indicates the payload exceeds the configured max asset size.
var ErrAssetTooLarge = errors.New("media asset too large")
