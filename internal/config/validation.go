package config

import (
	"errors"
	"strings"
)

var supportedLogFormats = map[string]struct{}{
	"json": {},
	"text": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedLogFormats[strings.ToLower(g.LogFormat)]; !ok {
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	if strings.TrimSpace(g.ThumbDirectory) == "" {
		return newFieldError("Global.ThumbDirectory", "不能为空")
	}
	if g.MaxThumbnailPixelSize <= 0 {
		return newFieldError("Global.MaxThumbnailPixelSize", "必须大于 0")
	}
	if g.MaxCachedPixmaps <= 0 {
		return newFieldError("Global.MaxCachedPixmaps", "必须大于 0")
	}
	if g.ExpirationThreshold < 0 {
		return newFieldError("Global.ExpirationThreshold", "不能为负数")
	}
	if g.MaxSourcePixels <= 0 {
		return newFieldError("Global.MaxSourcePixels", "必须大于 0")
	}
	if g.RequestTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RequestTimeout", "必须大于 0")
	}
	if g.WarmWorkers <= 0 {
		return newFieldError("Global.WarmWorkers", "必须大于 0")
	}

	if len(c.Sources) == 0 {
		return errors.New("至少需要配置一个 Source")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Name = strings.TrimSpace(src.Name)
		if src.Name == "" {
			return newFieldError("Source[].Name", "不能为空")
		}
		if strings.ContainsAny(src.Name, "/\\ ") {
			return newFieldError(sourceField(src.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := seenNames[src.Name]; exists {
			return newFieldError(sourceField(src.Name, "Name"), "重复")
		}
		seenNames[src.Name] = struct{}{}

		if strings.TrimSpace(src.Root) == "" {
			return newFieldError(sourceField(src.Name, "Root"), "不能为空")
		}
	}

	return nil
}
