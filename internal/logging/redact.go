package logging

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

const redacted = "[REDACTED]"

// 这些字段名的值一律不落日志。
var sensitiveFields = map[string]struct{}{
	"authorization":       {},
	"auth_header":         {},
	"authorization_token": {},
	"application_key":     {},
	"token":               {},
}

// 签名 URL 与 Basic/Bearer 头可能经由错误信息进入日志。
var (
	authQueryPattern  = regexp.MustCompile(`(?i)(Authorization=)[^&\s"]+`)
	authSchemePattern = regexp.MustCompile(`(?i)\b(Basic|Bearer)\s+[A-Za-z0-9+/=._\-]+`)
)

// RedactHook 在写出前抹掉日志条目中的凭证。
type RedactHook struct{}

// Levels 实现 logrus.Hook。
func (RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 实现 logrus.Hook。
func (RedactHook) Fire(entry *logrus.Entry) error {
	for key, value := range entry.Data {
		if _, ok := sensitiveFields[strings.ToLower(key)]; ok {
			entry.Data[key] = redacted
			continue
		}
		switch v := value.(type) {
		case string:
			entry.Data[key] = Redact(v)
		case error:
			entry.Data[key] = Redact(v.Error())
		}
	}
	entry.Message = Redact(entry.Message)
	return nil
}

// Redact 抹掉字符串中的 Authorization 查询参数与 Basic/Bearer 凭证。
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = authQueryPattern.ReplaceAllString(s, "${1}"+redacted)
	return authSchemePattern.ReplaceAllString(s, "$1 "+redacted)
}
