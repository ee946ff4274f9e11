package b2

import (
	"net/url"
	"strings"
)

// CacheControlParam 指示 B2 在下载响应中使用给定的 Cache-Control。
const CacheControlParam = "b2CacheControl"

// ObjectURL 构造 <downloadURL>/file/<bucket><objectPath>，objectPath 需保留前导 / 且已做 URL 编码。
// cacheControl 非空时追加 b2CacheControl 查询参数。
func ObjectURL(downloadURL, bucket, objectPath, cacheControl string) string {
	target := strings.TrimSuffix(downloadURL, "/") + "/file/" + bucket + objectPath
	if cacheControl == "" {
		return target
	}
	return AppendQueryParam(target, CacheControlParam, cacheControl)
}

// AppendQueryParam 在 rawURL 后追加一个编码后的查询参数，已有查询串时使用 &，否则使用 ?。
func AppendQueryParam(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

// DeriveAPIURL 优先返回授权响应中的 apiURL；缺失时从下载地址去掉结尾的 /file 作为回退。
//
// 该回退没有 B2 文档保证，仅在 apiUrl 缺失时使用。
func DeriveAPIURL(apiURL, downloadURL string) string {
	if apiURL != "" {
		return strings.TrimSuffix(apiURL, "/")
	}
	return strings.TrimSuffix(strings.TrimSuffix(downloadURL, "/"), "/file")
}

// TrimLeadingSlash 去掉对象路径开头的一个 /，B2 的 fileNamePrefix 不接受前导分隔符。
func TrimLeadingSlash(p string) string {
	return strings.TrimPrefix(p, "/")
}
