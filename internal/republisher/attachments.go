package republisher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// maxAttachmentBytes is the webhook upload ceiling we target. Discord's
// nominal limit is 8 MB; staying at 7.5 MB leaves room for the multipart
// envelope.
const maxAttachmentBytes = 7_500_000

const (
	compressStartQuality = 85
	compressQualityStep  = 15
	compressMinQuality   = 10
	compressStartDim     = 2048
	compressMaxAttempts  = 8
)

// Attachments is the download-and-shrink pipeline for mirrored uploads.
type Attachments struct {
	http *http.Client
	log  *slog.Logger
}

// NewAttachments builds the pipeline.
func NewAttachments(log *slog.Logger) *Attachments {
	return &Attachments{
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}
}

// Fetch downloads every attachment URL, compressing oversized images down
// to the upload ceiling. URLs that cannot be made to fit come back in
// fallbacks so the caller can link them instead.
func (a *Attachments) Fetch(ctx context.Context, urls []string) (files []File, fallbacks []string) {
	for _, url := range urls {
		f, err := a.fetchOne(ctx, url)
		if err != nil {
			a.log.Warn("attachment not mirrored", "url", url, "error", err)
			fallbacks = append(fallbacks, url)
			continue
		}
		files = append(files, *f)
	}
	return files, fallbacks
}

func (a *Attachments) fetchOne(ctx context.Context, url string) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	name := fileName(url)
	if len(data) <= maxAttachmentBytes {
		return &File{Name: name, Data: data}, nil
	}

	compressed, err := compressImage(data)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", name, err)
	}
	jpegName := strings.TrimSuffix(name, path.Ext(name)) + ".jpg"
	return &File{Name: jpegName, Data: compressed}, nil
}

// compressImage walks a JPEG quality ladder, then halves the maximum
// dimension and walks it again, until the image fits or attempts run out.
func compressImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	attempts := 0
	for maxDim := compressStartDim; maxDim >= 128; maxDim /= 2 {
		scaled := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
		for quality := compressStartQuality; quality >= compressMinQuality; quality -= compressQualityStep {
			if attempts >= compressMaxAttempts {
				return nil, fmt.Errorf("still %d bytes after %d attempts", len(data), attempts)
			}
			attempts++
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, scaled, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
				return nil, fmt.Errorf("encode jpeg: %w", err)
			}
			if buf.Len() <= maxAttachmentBytes {
				return buf.Bytes(), nil
			}
		}
	}
	return nil, fmt.Errorf("exhausted resize ladder")
}

// LargeFileLine is the content fallback for an attachment that could not be
// mirrored.
func LargeFileLine(url string) string {
	return "📎 **Large file:** " + url
}

func fileName(url string) string {
	name := path.Base(url)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}
