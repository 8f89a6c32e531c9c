// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package gateway

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKieModelFor(t *testing.T) {
	assert.Equal(t, KieModelRunway, KieModelFor("runway_gen3", ""))
	assert.Equal(t, KieModelVeo3, KieModelFor("", "premium"))
	assert.Equal(t, KieModelVeo3, KieModelFor("", "Premium"))
	assert.Equal(t, KieModelVeo3Fast, KieModelFor("", "standard"))
	assert.Equal(t, KieModelVeo3Fast, KieModelFor("gpt-video", ""))
}

func TestKiePaths(t *testing.T) {
	submit, status := kiePaths(KieModelVeo3Fast, false)
	assert.Equal(t, "/api/v1/veo/generate", submit)
	assert.Equal(t, "/api/v1/veo/record-info?taskId=", status)

	submit, status = kiePaths(KieModelVeo3Fast, true)
	assert.Equal(t, "/api/v1/veo/extend", submit)
	assert.Equal(t, "/api/v1/veo/record-info?taskId=", status)

	submit, status = kiePaths(KieModelRunway, false)
	assert.Equal(t, "/api/v1/runway/generate", submit)
	assert.Equal(t, "/api/v1/runway/record-detail?taskId=", status)
}

func TestKieSubmitBody(t *testing.T) {
	_, err := kieSubmitBody(map[string]interface{}{}, KieModelVeo3, false)
	require.Error(t, err)

	body, err := kieSubmitBody(map[string]interface{}{
		"prompt":       "a model turns",
		"image_urls":   []interface{}{"https://x/a.jpg"},
		"aspect_ratio": "9:16",
	}, KieModelVeo3Fast, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"prompt":      "a model turns",
		"model":       "veo3_fast",
		"imageUrls":   []string{"https://x/a.jpg"},
		"aspectRatio": "9:16",
	}, body)

	_, err = kieSubmitBody(map[string]interface{}{"prompt": "more"}, KieModelVeo3Fast, true)
	require.Error(t, err)

	body, err = kieSubmitBody(map[string]interface{}{
		"prompt":           "more",
		"provider_task_id": "task-7",
	}, KieModelVeo3Fast, true)
	require.NoError(t, err)
	assert.Equal(t, "task-7", body.(map[string]interface{})["taskId"])
}

func TestKieParseTaskID(t *testing.T) {
	for _, body := range []string{
		`{"data":{"taskId":"t-1"}}`,
		`{"data":{"task_id":"t-1"}}`,
		`{"data":{"id":"t-1"}}`,
		`{"taskId":"t-1"}`,
	} {
		id, err := kieParseTaskID([]byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, "t-1", id)
	}

	_, err := kieParseTaskID([]byte(`{"data":{}}`))
	assert.Error(t, err)
	_, err = kieParseTaskID([]byte(`not json`))
	assert.Error(t, err)
}

func TestKieParseStatus(t *testing.T) {
	cases := []struct {
		body  string
		state State
	}{
		{`{"data":{"successFlag":0}}`, StateInProgress},
		{`{"data":{"successFlag":1}}`, StateSuccess},
		{`{"data":{"successFlag":2,"errorMessage":"bad prompt"}}`, StateFailure},
		{`{"data":{"successFlag":3}}`, StateFailure},
		{`{"data":{"state":"SUCCESS"}}`, StateSuccess},
		{`{"data":{"state":"success"}}`, StateSuccess},
		{`{"data":{"state":"GENERATE_FAILED"}}`, StateFailure},
		{`{"data":{"state":"CREATE_TASK_FAILED"}}`, StateFailure},
		{`{"data":{"state":"SENSITIVE_WORD_ERROR"}}`, StateFailure},
		{`{"data":{"status":"fail"}}`, StateFailure},
		{`{"data":{"state":"GENERATING"}}`, StateInProgress},
		{`{"data":{"state":"queuing"}}`, StateInProgress},
		{`{"data":{"state":"waiting"}}`, StateInProgress},
		{`{"data":{}}`, StateInProgress},
		{`{}`, StateInProgress},
		{`garbage`, StateInProgress},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.state, kieParseStatus([]byte(tc.body)).State, tc.body)
	}

	res := kieParseStatus([]byte(`{"data":{"successFlag":2,"errorMessage":"bad prompt"}}`))
	assert.Equal(t, "bad prompt", res.Message)

	res = kieParseStatus([]byte(`{"msg":"internal error","data":{"successFlag":3}}`))
	assert.Equal(t, "internal error", res.Message)
}

func TestKieExtractURL(t *testing.T) {
	u, ok := kieExtractURL([]byte(`{"data":{"response":{"resultUrls":["https://cdn/x.mp4"]}}}`))
	require.True(t, ok)
	assert.Equal(t, "https://cdn/x.mp4", u)

	u, ok = kieExtractURL([]byte(`{"data":{"resultUrls":"[\"https://cdn/y.mp4\"]"}}`))
	require.True(t, ok)
	assert.Equal(t, "https://cdn/y.mp4", u)

	u, ok = kieExtractURL([]byte(`{"data":{"whatever":{"nested":"https://cdn/z.mp4"}}}`))
	require.True(t, ok)
	assert.Equal(t, "https://cdn/z.mp4", u)

	_, ok = kieExtractURL([]byte(`{"data":{"image":"https://cdn/pic.jpg"}}`))
	assert.False(t, ok)
}

func TestFashnSubmitBody(t *testing.T) {
	_, err := fashnSubmitBody(map[string]interface{}{"model_image": "https://x/m.jpg"})
	require.Error(t, err)

	body, err := fashnSubmitBody(map[string]interface{}{
		"model_image":   "https://x/m.jpg",
		"garment_image": "https://x/g.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "auto", body.(map[string]interface{})["category"])

	body, err = fashnSubmitBody(map[string]interface{}{
		"model_image":   "https://x/m.jpg",
		"garment_image": "https://x/g.jpg",
		"category":      "tops",
		"mode":          "quality",
	})
	require.NoError(t, err)
	assert.Equal(t, "tops", body.(map[string]interface{})["category"])
	assert.Equal(t, "quality", body.(map[string]interface{})["mode"])
}

func TestFashnParseStatus(t *testing.T) {
	assert.Equal(t, StateInProgress, fashnParseStatus([]byte(`{"status":"IN_QUEUE"}`)).State)
	assert.Equal(t, StateInProgress, fashnParseStatus([]byte(`{"status":"IN_PROGRESS"}`)).State)
	assert.Equal(t, StateSuccess, fashnParseStatus([]byte(`{"status":"COMPLETED"}`)).State)
	assert.Equal(t, StateSuccess, fashnParseStatus([]byte(`{"status":"OK"}`)).State)

	res := fashnParseStatus([]byte(`{"status":"ERROR","error":"invalid garment"}`))
	assert.Equal(t, StateFailure, res.State)
	assert.Equal(t, "invalid garment", res.Message)

	res = fashnParseStatus([]byte(`{"status":"FAILED","error":{"message":"nsfw"}}`))
	assert.Equal(t, StateFailure, res.State)
	assert.Equal(t, "nsfw", res.Message)
}

func TestFashnExtractURL(t *testing.T) {
	u, ok := fashnExtractURL([]byte(`{"images":[{"url":"https://cdn/out.png"}]}`))
	require.True(t, ok)
	assert.Equal(t, "https://cdn/out.png", u)

	u, ok = fashnExtractURL([]byte(`{"payload":{"render":"https://cdn/alt.webp"}}`))
	require.True(t, ok)
	assert.Equal(t, "https://cdn/alt.webp", u)
}

func TestWavespeedParseStatus(t *testing.T) {
	assert.Equal(t, StateInProgress, wavespeedParseStatus([]byte(`{"data":{"status":"created"}}`)).State)
	assert.Equal(t, StateInProgress, wavespeedParseStatus([]byte(`{"data":{"status":"processing"}}`)).State)
	assert.Equal(t, StateSuccess, wavespeedParseStatus([]byte(`{"data":{"status":"completed"}}`)).State)

	res := wavespeedParseStatus([]byte(`{"data":{"status":"failed","error":"out of credits"}}`))
	assert.Equal(t, StateFailure, res.State)
	assert.Equal(t, "out of credits", res.Message)
}

func TestWavespeedExtractURL(t *testing.T) {
	u, ok := wavespeedExtractURL([]byte(`{"data":{"outputs":["https://cdn/up.mp4"]}}`))
	require.True(t, ok)
	assert.Equal(t, "https://cdn/up.mp4", u)
}

func TestClaidEdit(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		io.WriteString(w, `{"data":{"output":{"tmp_url":"https://claid-tmp/x.png"}}}`)
	}))
	defer srv.Close()

	c := NewClaid(ClaidConfig{APIKey: "claid-key", BaseURL: srv.URL})
	url, err := c.Edit(context.Background(), "https://x/garment.jpg", map[string]interface{}{"padding": "10%"})
	require.NoError(t, err)

	assert.Equal(t, "https://claid-tmp/x.png", url)
	assert.Equal(t, "/v1-beta1/image/edit", gotPath)
	assert.Equal(t, "Bearer claid-key", gotAuth)
	assert.Equal(t, "https://x/garment.jpg", gotBody["input"])

	ops := gotBody["operations"].(map[string]interface{})
	assert.Equal(t, "10%", ops["padding"])
	background := ops["background"].(map[string]interface{})
	assert.Equal(t, true, background["remove"])
}

func TestClaidEditRequiresSource(t *testing.T) {
	c := NewClaid(ClaidConfig{APIKey: "k", BaseURL: "http://unused.invalid"})
	_, err := c.Edit(context.Background(), "", nil)

	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Contains(t, gwErr.Message, "missing source url")
}

func TestStitcherStitch(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stitch", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		io.WriteString(w, `{"url":"https://cdn/triptych.jpg"}`)
	}))
	defer srv.Close()

	s := NewStitcher(srv.URL)
	url, err := s.Stitch(context.Background(), []string{"https://x/1.png", "https://x/2.png"}, 0)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/triptych.jpg", url)
	assert.Equal(t, "horizontal", gotBody["layout"])
	assert.Equal(t, float64(1024), gotBody["width"])
	assert.Len(t, gotBody["image_urls"], 2)
}

func TestStitcherUnconfigured(t *testing.T) {
	s := NewStitcher("")
	assert.False(t, s.Configured())

	_, err := s.Stitch(context.Background(), []string{"https://x/1.png"}, 800)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Contains(t, gwErr.Message, "not configured")
}

func TestGeminiAnalyze(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"{\"valid\":true,\"reason\":\"clear selfie\"}"}]}}]}`)
	}))
	defer srv.Close()

	g := NewGemini(GeminiConfig{APIKey: "gem-key", BaseURL: srv.URL})
	verdict, err := g.Analyze(context.Background(), "judge this selfie", []InlineImage{
		{MIMEType: "image/jpeg", Data: []byte("jpeg-bytes")},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", gotPath)
	assert.Equal(t, "gem-key", gotKey)
	assert.Equal(t, true, verdict["valid"])
	assert.Equal(t, "clear selfie", verdict["reason"])

	config := gotBody["generationConfig"].(map[string]interface{})
	assert.Equal(t, "application/json", config["response_mime_type"])

	contents := gotBody["contents"].([]interface{})
	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	require.Len(t, parts, 2)
	inline := parts[1].(map[string]interface{})["inline_data"].(map[string]interface{})
	assert.Equal(t, "image/jpeg", inline["mime_type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")), inline["data"])
}

func TestGeminiGenerateImage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"here you go"},{"inlineData":{"mimeType":"image/png","data":"`+payload+`"}}]}}]}`)
	}))
	defer srv.Close()

	g := NewGemini(GeminiConfig{APIKey: "gem-key", BaseURL: srv.URL})
	data, mime, err := g.GenerateImage(context.Background(), "compose a triptych", nil)
	require.NoError(t, err)

	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", mime)
}

func TestGeminiGenerateImageMissingInline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"no image, sorry"}]}}]}`)
	}))
	defer srv.Close()

	g := NewGemini(GeminiConfig{APIKey: "gem-key", BaseURL: srv.URL})
	_, _, err := g.GenerateImage(context.Background(), "compose", nil)

	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Contains(t, gwErr.Message, "no inline image")
}

func TestGeminiConfigured(t *testing.T) {
	assert.False(t, NewGemini(GeminiConfig{}).Configured())
	assert.True(t, NewGemini(GeminiConfig{APIKey: "k"}).Configured())
	assert.False(t, NewClaid(ClaidConfig{}).Configured())
	assert.True(t, NewClaid(ClaidConfig{APIKey: "k"}).Configured())
}
