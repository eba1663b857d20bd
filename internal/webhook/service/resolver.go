package service

import (
	"net/url"
	"strings"
)

// ClientResolver maps the host of a callback URL to the local client id.
type ClientResolver interface {
	ClientIDForCallback(callbackURL string) (string, bool)
}

// StaticClientResolver resolves hosts from a fixed host -> client id map.
type StaticClientResolver map[string]string

// ClientIDForCallback looks up the callback host, with and without a port. Hosts are case-insensitive.
func (m StaticClientResolver) ClientIDForCallback(callbackURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(callbackURL))
	if err != nil || u.Host == "" {
		return "", false
	}
	if id, ok := m[strings.ToLower(u.Host)]; ok {
		return id, true
	}
	id, ok := m[strings.ToLower(u.Hostname())]
	return id, ok
}
