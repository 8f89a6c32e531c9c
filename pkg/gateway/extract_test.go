// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLPredicate(t *testing.T) {
	video := urlPredicate(videoExtensions)

	assert.True(t, video("https://cdn.example.com/a.mp4"))
	assert.True(t, video("http://cdn.example.com/a.MOV"))
	assert.True(t, video("https://cdn.example.com/a.webm?token=abc#frag"))
	assert.False(t, video("https://cdn.example.com/a.jpg"))
	assert.False(t, video("ftp://cdn.example.com/a.mp4"))
	assert.False(t, video("cdn.example.com/a.mp4"))

	anyURL := urlPredicate(nil)
	assert.True(t, anyURL("https://cdn.example.com/anything"))
	assert.False(t, anyURL("not a url"))
}

func TestDeepFindURLNested(t *testing.T) {
	doc, ok := decodeAny([]byte(`{
		"code": 200,
		"data": {
			"response": {
				"clips": [
					{"meta": {"href": "https://cdn.example.com/clip.mp4"}}
				]
			}
		}
	}`))
	require.True(t, ok)

	url, found := deepFindURL(doc, urlPredicate(videoExtensions))
	require.True(t, found)
	assert.Equal(t, "https://cdn.example.com/clip.mp4", url)
}

func TestDeepFindURLVisitsKeysInStableOrder(t *testing.T) {
	doc, ok := decodeAny([]byte(`{
		"zeta": "https://cdn.example.com/z.mp4",
		"alpha": "https://cdn.example.com/a.mp4"
	}`))
	require.True(t, ok)

	url, found := deepFindURL(doc, urlPredicate(videoExtensions))
	require.True(t, found)
	assert.Equal(t, "https://cdn.example.com/a.mp4", url)
}

func TestDeepFindURLRespectsDepthLimit(t *testing.T) {
	doc, ok := decodeAny([]byte(`{"a":{"b":{"c":{"d":{"e":{"f":"https://cdn.example.com/deep.mp4"}}}}}}`))
	require.True(t, ok)

	_, found := deepFindURL(doc, urlPredicate(videoExtensions))
	assert.False(t, found)

	shallow, ok := decodeAny([]byte(`{"a":{"b":{"c":"https://cdn.example.com/ok.mp4"}}}`))
	require.True(t, ok)
	url, found := deepFindURL(shallow, urlPredicate(videoExtensions))
	require.True(t, found)
	assert.Equal(t, "https://cdn.example.com/ok.mp4", url)
}

func TestLookupAndFindString(t *testing.T) {
	doc, ok := decodeAny([]byte(`{"data":{"items":[{"url":"https://x/1.png"},{"url":"https://x/2.png"}]}}`))
	require.True(t, ok)

	s, found := findString(doc, "data", "items", 1, "url")
	require.True(t, found)
	assert.Equal(t, "https://x/2.png", s)

	_, found = findString(doc, "data", "items", 5, "url")
	assert.False(t, found)

	_, found = findString(doc, "data", "missing")
	assert.False(t, found)

	_, found = findString(doc, "data", "items")
	assert.False(t, found) // not a string
}

func TestStringSlice(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringSlice([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, stringSlice([]interface{}{"a", "", "b", 3}))
	assert.Equal(t, []string{"a", "b"}, stringSlice(`["a","b"]`))
	assert.Equal(t, []string{"https://x/a.png"}, stringSlice("https://x/a.png"))
	assert.Nil(t, stringSlice(""))
	assert.Nil(t, stringSlice(nil))
	assert.Nil(t, stringSlice(42))
}
