package speech

import (
	"errors"
	"strings"

	speechmodel "github.com/zhouzirui/tavern-stage/internal/model/speech"
)

// ErrMissingCredentials 火山引擎凭证未配置。
var ErrMissingCredentials = errors.New("火山引擎语音配置缺少 AppID 或 AccessToken")

// resolveCredentials 返回规范化后的 AppID 与 AccessToken。APIKey 兼容旧配置。
func resolveCredentials(cfg *speechmodel.SpeechConfig) (appID, token string, err error) {
	if cfg == nil {
		return "", "", ErrMissingCredentials
	}

	appID = strings.TrimSpace(cfg.AppID)
	token = strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", ErrMissingCredentials
	}
	return appID, token, nil
}
