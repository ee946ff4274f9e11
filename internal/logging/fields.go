package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 bucket/方法/路径/命中状态字段，供代理请求日志复用。
func RequestFields(bucket, method, path, requestID string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"bucket":    bucket,
		"method":    method,
		"path":      path,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
