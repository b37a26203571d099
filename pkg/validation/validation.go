package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates participant, stage and producer IDs
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	sdpRequiredLines = []string{"v=", "o=", "s=", "t="}
)

// ValidateID validates an opaque directory or signaling ID
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 128 {
		return fmt.Errorf("%s is too long (max 128 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateStageName validates a stage name
func ValidateStageName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("stage name is required")
	}
	if utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("stage name is too long (max 100 characters)")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("stage name contains invalid characters")
	}
	return nil
}

// ValidateVolume validates a volume value, 0 is muted and 1 is unity gain
func ValidateVolume(value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("volume must be between 0 and 1, got %v", value)
	}
	return nil
}

// ValidateURL validates a signaling or directory endpoint
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) > 0 {
		ok := false
		for _, s := range schemes {
			if u.Scheme == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
		}
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateSDP checks that an SDP blob carries the mandatory session lines
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > 64*1024 {
		return fmt.Errorf("sdp is too large")
	}
	for _, prefix := range sdpRequiredLines {
		if !strings.HasPrefix(sdp, prefix) && !strings.Contains(sdp, "\n"+prefix) {
			return fmt.Errorf("sdp is missing %q line", prefix)
		}
	}
	return nil
}

// ValidateCandidate checks a trickled ICE candidate line
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	if len(candidate) > 1024 {
		return fmt.Errorf("candidate is too long")
	}
	if !strings.HasPrefix(candidate, "candidate:") {
		return fmt.Errorf("candidate must start with \"candidate:\"")
	}
	return nil
}
