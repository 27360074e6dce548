package pairing

import (
	"fmt"
	"net/url"
	"strings"
)

const pairScheme = "zajel"
const linkScheme = "zajel-link"

// PairURI renders a pairing code as a zajel://pair/<CODE> URI.
func PairURI(code string) string {
	return fmt.Sprintf("%s://pair/%s", pairScheme, code)
}

// ParsePairURI extracts and validates the code from a zajel://pair/<CODE>
// URI.
func ParsePairURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	if u.Scheme != pairScheme || u.Host != "pair" {
		return "", ErrInvalidCode
	}
	return Validate(strings.TrimPrefix(u.Path, "/"))
}

// LinkInfo is the payload of a web-client link URI:
// zajel-link://<code>:<pubkey_base64>:<url-encoded-server-url>.
type LinkInfo struct {
	Code      string
	PublicKey string
	ServerURL string
}

// ParseLinkURI decodes a zajel-link URI.
func ParseLinkURI(uri string) (*LinkInfo, error) {
	const prefix = linkScheme + "://"
	if !strings.HasPrefix(uri, prefix) {
		return nil, ErrInvalidCode
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, prefix), ":", 3)
	if len(parts) != 3 {
		return nil, ErrInvalidCode
	}
	code, err := Validate(parts[0])
	if err != nil {
		return nil, err
	}
	server, err := url.QueryUnescape(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad server url", ErrInvalidCode)
	}
	if parts[1] == "" || server == "" {
		return nil, ErrInvalidCode
	}
	return &LinkInfo{Code: code, PublicKey: parts[1], ServerURL: server}, nil
}

// FormatLinkURI renders a LinkInfo back into its URI form.
func FormatLinkURI(info *LinkInfo) string {
	return fmt.Sprintf("%s://%s:%s:%s", linkScheme, info.Code, info.PublicKey, url.QueryEscape(info.ServerURL))
}
