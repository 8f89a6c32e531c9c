// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import (
	"sort"
	"strings"
)

// Providers drift their response shapes without notice, so extraction tries
// the known key paths first and then falls back to a bounded recursive
// search for anything that looks like the right kind of URL.

const maxSearchDepth = 5

var (
	videoExtensions = []string{".mp4", ".webm", ".mov"}
	imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}
)

func urlPredicate(extensions []string) func(string) bool {
	return func(s string) bool {
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			return false
		}
		if len(extensions) == 0 {
			return true
		}
		clean := s
		if i := strings.IndexAny(clean, "?#"); i >= 0 {
			clean = clean[:i]
		}
		clean = strings.ToLower(clean)
		for _, ext := range extensions {
			if strings.HasSuffix(clean, ext) {
				return true
			}
		}
		return false
	}
}

func decodeAny(body []byte) (interface{}, bool) {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// lookup walks a decoded document by string map keys and int slice indexes.
func lookup(doc interface{}, path ...interface{}) (interface{}, bool) {
	current := doc
	for _, step := range path {
		switch key := step.(type) {
		case string:
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = m[key]
			if !ok {
				return nil, false
			}
		case int:
			list, ok := current.([]interface{})
			if !ok || key < 0 || key >= len(list) {
				return nil, false
			}
			current = list[key]
		default:
			return nil, false
		}
	}
	return current, true
}

func findString(doc interface{}, path ...interface{}) (string, bool) {
	v, ok := lookup(doc, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// deepFindURL searches the document for the first string accepted by the
// predicate, visiting map keys in sorted order so the answer is stable.
func deepFindURL(doc interface{}, accept func(string) bool) (string, bool) {
	return deepFind(doc, accept, 0)
}

func deepFind(v interface{}, accept func(string) bool, depth int) (string, bool) {
	if depth > maxSearchDepth {
		return "", false
	}
	switch t := v.(type) {
	case string:
		if accept(t) {
			return t, true
		}
	case []interface{}:
		for _, item := range t {
			if s, ok := deepFind(item, accept, depth+1); ok {
				return s, true
			}
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := deepFind(t[k], accept, depth+1); ok {
				return s, true
			}
		}
	}
	return "", false
}

// stringSlice coerces the slice shapes providers and clients send: native
// string slices, mixed JSON arrays, or a JSON-encoded list inside a string.
func stringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		var list []string
		if err := json.Unmarshal([]byte(t), &list); err == nil {
			return list
		}
		return []string{t}
	}
	return nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
