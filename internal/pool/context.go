package pool

import (
	"maps"

	"golang.org/x/oauth2"
)

// AppContext carries caller identity into every pooled operation.
// Credentials are passed per call and never stored on a pool, so pools can
// be shared between callers holding different credentials.
type AppContext struct {
	Credentials oauth2.TokenSource
	UserAgent   string
	Values      map[string]string
}

// Token returns the current credential, or nil when none is configured.
func (a AppContext) Token() (*oauth2.Token, error) {
	if a.Credentials == nil {
		return nil, nil
	}
	return a.Credentials.Token()
}

func (a AppContext) Value(key string) string {
	return a.Values[key]
}

// WithValue returns a copy of a with key set.
func (a AppContext) WithValue(key, value string) AppContext {
	a.Values = maps.Clone(a.Values)
	if a.Values == nil {
		a.Values = make(map[string]string)
	}
	a.Values[key] = value
	return a
}
