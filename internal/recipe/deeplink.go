package recipe

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const deeplinkScheme = "goose"

// DecodeDeeplink parses a `goose://recipe?config=<base64(yaml_or_json)>
// &key=value&...` URL (spec.md §6.5). The encoder side is an explicit
// spec non-goal; only decoding — accepting a link a client already
// produced — is implemented. config is base64 (standard or URL
// encoding, padded or not, to tolerate however the producing client
// chose to encode it) and may hold either YAML or JSON/JSON5: since a
// deeplink carries no filename, the leading non-whitespace byte decides
// ('{' or '[' means JSON5, anything else is treated as YAML). Every
// other query parameter becomes an extra parameter value, merged into
// whatever Bundle.Resolve is called with.
func DecodeDeeplink(raw string) (*Bundle, map[string]any, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("recipe: invalid deeplink: %w", err)
	}
	if u.Scheme != deeplinkScheme {
		return nil, nil, fmt.Errorf("recipe: unsupported deeplink scheme %q", u.Scheme)
	}

	query := u.Query()
	encoded := query.Get("config")
	if strings.TrimSpace(encoded) == "" {
		return nil, nil, fmt.Errorf("recipe: deeplink missing config parameter")
	}

	data, err := decodeBase64Any(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("recipe: decode config: %w", err)
	}

	format := ""
	if trimmed := strings.TrimSpace(string(data)); trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[') {
		format = ".json5"
	}
	bundle, err := Parse(data, format)
	if err != nil {
		return nil, nil, err
	}

	extra := make(map[string]any, len(query))
	for key, values := range query {
		if key == "config" || len(values) == 0 {
			continue
		}
		extra[key] = values[0]
	}
	return bundle, extra, nil
}

func decodeBase64Any(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(s); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("no base64 variant decoded the config parameter")
}
