package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func encodeTestImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestClientRender(t *testing.T) {
	var gotAuth, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotPrompt = req.Prompt
		resp := map[string]any{
			"data": []map[string]string{{"b64_json": encodeTestImage(t, 64, 64)}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient(Config{
		Endpoint:   srv.URL,
		APIKey:     "test-key",
		Model:      "test-model",
		CanvasSize: 32,
		Timeout:    5 * time.Second,
	})

	data, err := client.Render(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotPrompt != "a cat" {
		t.Fatalf("unexpected prompt %q", gotPrompt)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 32 || b.Dy() != 32 {
		t.Fatalf("expected 32x32 result got %dx%d", b.Dx(), b.Dy())
	}
}

func TestClientRenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "prompt rejected"},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{Endpoint: srv.URL, CanvasSize: 32, Timeout: time.Second})
	_, err := client.Render(context.Background(), "bad")
	if err == nil || !strings.Contains(err.Error(), "prompt rejected") {
		t.Fatalf("expected endpoint error got %v", err)
	}
}

func TestPromptFor(t *testing.T) {
	p := PromptFor(StyleGeometric, "a lighthouse")
	if !strings.HasPrefix(p, "a lighthouse, rendered as ") {
		t.Fatalf("unexpected prompt %q", p)
	}
	if !strings.Contains(p, "straight black line segments") {
		t.Fatalf("expected geometric preset in %q", p)
	}
	if PromptFor("nonsense", "") != stylePrompts[DefaultStyle] {
		t.Fatalf("expected default preset fallback")
	}
	if !ValidStyle("sketch") || ValidStyle("nonsense") {
		t.Fatalf("unexpected style validity")
	}
}
