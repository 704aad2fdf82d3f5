package gateway

// transportOptions are the out-of-band controls plugins and callers smuggle
// through the logical body or auth loaders: where to send the request and
// how to authenticate it. They never reach the provider payload.
type transportOptions struct {
	Endpoint string
	BaseURL  string
	APIKey   string
	AuthType string
	Headers  map[string]string
}

// merge folds other into t field-wise. Later sources win per field; headers
// merge key-wise instead of replacing.
func (t *transportOptions) merge(other transportOptions) {
	if other.Endpoint != "" {
		t.Endpoint = other.Endpoint
	}
	if other.BaseURL != "" {
		t.BaseURL = other.BaseURL
	}
	if other.APIKey != "" {
		t.APIKey = other.APIKey
	}
	if other.AuthType != "" {
		t.AuthType = other.AuthType
	}
	if len(other.Headers) > 0 {
		if t.Headers == nil {
			t.Headers = map[string]string{}
		}
		for k, v := range other.Headers {
			t.Headers[k] = v
		}
	}
}

// transportKeys maps every accepted body key (both "$key" and bare forms)
// to its canonical name.
var transportKeys = map[string]string{
	"$endpoint": "endpoint", "endpoint": "endpoint",
	"$baseURL": "baseURL", "baseURL": "baseURL",
	"$apiKey": "apiKey", "apiKey": "apiKey",
	"$authType": "authType", "authType": "authType",
	"$headers": "headers", "headers": "headers",
}

// extractTransport pulls transport-control keys out of a logical body,
// returning what it found. The body is mutated in place: extracted keys are
// deleted so they never serialize into the provider payload.
func extractTransport(body map[string]interface{}) transportOptions {
	var opts transportOptions
	for key, canonical := range transportKeys {
		value, ok := body[key]
		if !ok {
			continue
		}
		delete(body, key)
		switch canonical {
		case "endpoint":
			if s, ok := value.(string); ok {
				opts.Endpoint = s
			}
		case "baseURL":
			if s, ok := value.(string); ok {
				opts.BaseURL = s
			}
		case "apiKey":
			if s, ok := value.(string); ok {
				opts.APIKey = s
			}
		case "authType":
			if s, ok := value.(string); ok {
				opts.AuthType = s
			}
		case "headers":
			opts.Headers = mergeHeaderValue(opts.Headers, value)
		}
	}
	return opts
}

func mergeHeaderValue(acc map[string]string, value interface{}) map[string]string {
	if acc == nil {
		acc = map[string]string{}
	}
	switch h := value.(type) {
	case map[string]string:
		for k, v := range h {
			acc[k] = v
		}
	case map[string]interface{}:
		for k, v := range h {
			if s, ok := v.(string); ok {
				acc[k] = s
			}
		}
	}
	return acc
}
