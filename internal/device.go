package internal

import "strings"

// DeviceInfo is the coarse description of a client derived from its user agent.
type DeviceInfo struct {
	Type    string
	Browser string
}

// DescribeUserAgent classifies a User-Agent string into a device type and
// browser family. Unknown agents map to "desktop" / "Unknown".
func DescribeUserAgent(ua string) DeviceInfo {
	info := DeviceInfo{Type: "desktop", Browser: "Unknown"}
	if ua == "" {
		return info
	}
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		info.Type = "tablet"
	case strings.Contains(lower, "mobi") || strings.Contains(lower, "iphone") || strings.Contains(lower, "android"):
		info.Type = "mobile"
	}

	// order matters: Edge and Opera also advertise Chrome, Chrome advertises Safari
	switch {
	case strings.Contains(lower, "edg/"):
		info.Browser = "Edge"
	case strings.Contains(lower, "opr/") || strings.Contains(lower, "opera"):
		info.Browser = "Opera"
	case strings.Contains(lower, "firefox/"):
		info.Browser = "Firefox"
	case strings.Contains(lower, "chrome/"):
		info.Browser = "Chrome"
	case strings.Contains(lower, "safari/"):
		info.Browser = "Safari"
	case strings.Contains(lower, "curl/"), strings.Contains(lower, "go-http-client"):
		info.Browser = "CLI"
		info.Type = "cli"
	}
	return info
}
