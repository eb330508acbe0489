package model

// Keys understood by the request builder. Every header value travels as its
// own HTTP_<NAME> entry, with dashes turned into underscores.
const (
	EnvRequestMethod = "REQUEST_METHOD"
	EnvURLScheme     = "URL_SCHEME"
	EnvServerName    = "SERVER_NAME"
	EnvPathInfo      = "PATH_INFO"
	EnvQueryString   = "QUERY_STRING"
	EnvContentLength = "CONTENT_LENGTH"
	EnvRequestID     = "REQUEST_ID"

	EnvHeaderPrefix = "HTTP_"
)

// EnvVar is one metadata entry describing an inbound request.
type EnvVar struct {
	Key   string
	Value string
}

// Environ is the metadata the inbound gateway hands to the request builder.
// Order is significant and header keys may repeat.
type Environ []EnvVar

// Lookup returns the first value stored under key.
func (e Environ) Lookup(key string) (string, bool) {
	for _, v := range e {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Get returns the first value stored under key, or "".
func (e Environ) Get(key string) string {
	v, _ := e.Lookup(key)
	return v
}

// Add appends an entry.
func (e *Environ) Add(key, value string) {
	*e = append(*e, EnvVar{Key: key, Value: value})
}
