package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ThumbFields 提供 action + 源文件 + 页序号字段，供缓存与加载日志复用。
func ThumbFields(action, sourcePath string, page int) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"source": sourcePath,
		"page":   page,
	}
}

// RequestFields 提供 HTTP 请求维度的字段：源目录、相对路径、缓存命中状态。
func RequestFields(requestID, source, path string, page int, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"request_id":   requestID,
		"source_name":  source,
		"path":         path,
		"page":         page,
		"cache_status": cacheStatus,
	}
}
