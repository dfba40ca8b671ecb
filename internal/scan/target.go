package scan

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// maxHostnameLength is the DNS limit for a fully qualified name.
const maxHostnameLength = 253

// Target is a normalized host name used as the session key.
type Target string

// String returns the host name.
func (t Target) String() string {
	return string(t)
}

// ParseTarget normalizes raw into a Target. Scheme, path, port, trailing dot
// and surrounding whitespace are stripped and the name is lower-cased, so
// "https://Example.com/login" and "example.com" refer to the same session.
// IP literals are accepted.
func ParseTarget(raw string) (Target, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}

	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		host = u.Host
	} else if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	if net.ParseIP(host) != nil {
		return Target(host), nil
	}
	if err := validateHostname(host); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidTarget, raw, err)
	}
	return Target(host), nil
}

func validateHostname(host string) error {
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if len(host) > maxHostnameLength {
		return fmt.Errorf("host longer than %d characters", maxHostnameLength)
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return fmt.Errorf("invalid label length in %q", host)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with a hyphen", label)
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return fmt.Errorf("invalid character %q", r)
			}
		}
	}
	return nil
}
