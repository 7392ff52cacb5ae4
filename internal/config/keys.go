package config

import (
	"net/url"
	"strings"
)

// Dot-separated keys address fields of the config file's JSON shape, e.g.
// "deepgram.model" or "session.close_grace".

var secretKeys = map[string]bool{
	"deepgram.api_key":   true,
	"llm.api_key":        true,
	"openrouter.api_key": true,
	"telegram.token":     true,
}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// MaskValue hides the credential in a value read from key. Secrets keep
// only their last four characters; a Redis URL keeps everything but its
// password. Other values are returned unchanged.
func MaskValue(key string, v any) any {
	s, ok := v.(string)
	if !ok || s == "" {
		return v
	}
	switch {
	case secretKeys[key]:
		if len(s) <= 4 {
			return "***" + s
		}
		return "***" + s[len(s)-4:]
	case key == "transcripts.redis_url":
		return maskPassword(s)
	}
	return v
}

func maskPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, set := u.User.Password(); !set {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), "***")
	return u.String()
}

// leaves calls fn for every non-object value under m with its dotted key.
// Empty objects produce nothing.
func leaves(m map[string]any, fn func(key string, v any)) {
	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for k, v := range node {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			fn(k, v)
		}
	}
	walk("", m)
}

// lookup returns the non-object value at key.
func lookup(m map[string]any, key string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[part]; !ok {
			return nil, false
		}
	}
	if _, ok := cur.(map[string]any); ok {
		return nil, false
	}
	return cur, true
}

// assign stores v at key, creating intermediate objects and replacing any
// non-object value in the way.
func assign(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	node := m
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = v
}
