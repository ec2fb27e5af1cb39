package auth

import (
	"github.com/mileusna/useragent"
)

// DeviceInfo parses a User-Agent header into the descriptor stored with a
// refresh token record. Anonymous clients carry no descriptor.
func DeviceInfo(userAgentString string) map[string]any {
	if userAgentString == "" {
		return nil
	}

	ua := useragent.Parse(userAgentString)

	browser := "Unknown Browser"
	if ua.Name != "" {
		browser = ua.Name
		if ua.Version != "" {
			browser = ua.Name + " " + ua.Version
		}
	}

	os := "Unknown OS"
	if ua.OS != "" {
		os = ua.OS
		if ua.OSVersion != "" {
			os = ua.OS + " " + ua.OSVersion
		}
	}

	deviceType := "Desktop"
	switch {
	case ua.Mobile:
		deviceType = "Mobile"
	case ua.Tablet:
		deviceType = "Tablet"
	case ua.Bot:
		deviceType = "Bot"
	}

	return map[string]any{
		"browser":     browser,
		"os":          os,
		"device_type": deviceType,
	}
}
