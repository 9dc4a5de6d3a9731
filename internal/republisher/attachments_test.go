package republisher

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/disintegration/imaging"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFetchSmallFilePassesThrough(t *testing.T) {
	data := []byte("plain file contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	a := NewAttachments(testLogger(t))
	files, fallbacks := a.Fetch(context.Background(), []string{srv.URL + "/notes.txt?ex=123"})
	if len(fallbacks) != 0 {
		t.Fatalf("fallbacks = %v", fallbacks)
	}
	if len(files) != 1 || files[0].Name != "notes.txt" || !bytes.Equal(files[0].Data, data) {
		t.Errorf("files = %+v", files)
	}
}

func TestFetchUnreachableFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	a := NewAttachments(testLogger(t))
	url := srv.URL + "/gone.zip"
	files, fallbacks := a.Fetch(context.Background(), []string{url})
	if len(files) != 0 {
		t.Fatalf("files = %+v", files)
	}
	if len(fallbacks) != 1 || fallbacks[0] != url {
		t.Errorf("fallbacks = %v", fallbacks)
	}
}

func TestCompressImageShrinks(t *testing.T) {
	data := pngBytes(t, 512, 512)
	out, err := compressImage(data)
	if err != nil {
		t.Fatalf("compressImage: %v", err)
	}
	if len(out) == 0 || len(out) > maxAttachmentBytes {
		t.Errorf("compressed size = %d", len(out))
	}
	if _, err := imaging.Decode(bytes.NewReader(out)); err != nil {
		t.Errorf("output is not a decodable image: %v", err)
	}
}

func TestCompressImageRejectsNonImage(t *testing.T) {
	if _, err := compressImage([]byte("definitely not an image")); err == nil {
		t.Error("expected decode error")
	}
}

func TestLargeFileLine(t *testing.T) {
	got := LargeFileLine("https://cdn.example/big.mov")
	if got != "📎 **Large file:** https://cdn.example/big.mov" {
		t.Errorf("LargeFileLine = %q", got)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://cdn.example/a/b/pic.png", "pic.png"},
		{"https://cdn.example/pic.png?ex=66&is=77", "pic.png"},
		{"https://cdn.example/pic.png#frag", "pic.png"},
		{"", "attachment"},
	}
	for _, tt := range tests {
		if got := fileName(tt.in); got != tt.want {
			t.Errorf("fileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
