package scan

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the option values that can be malformed.
func (o Options) Validate() error {
	if o.WebhookURL == "" {
		return nil
	}
	u, err := url.Parse(o.WebhookURL)
	if err != nil {
		return fmt.Errorf("%w: webhook: %v", ErrInvalidOptions, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: webhook must be an http(s) URL", ErrInvalidOptions)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: webhook has no host", ErrInvalidOptions)
	}
	return nil
}

// Normalize trims the webhook URL.
func (o Options) Normalize() Options {
	o.WebhookURL = strings.TrimSpace(o.WebhookURL)
	return o
}

// Flags returns the scan-engine command line switches for o, in the order
// the engine documents them. The webhook is not included.
func (o Options) Flags() []string {
	var flags []string
	if o.SkipPorts {
		flags = append(flags, "--skip-ports")
	}
	if o.SkipFuzz {
		flags = append(flags, "--skip-fuzz")
	}
	if o.SkipSQLi {
		flags = append(flags, "--skip-sqli")
	}
	if o.SkipParamX {
		flags = append(flags, "--skip-paramx")
	}
	if o.Verbose {
		flags = append(flags, "-v")
	}
	return flags
}
