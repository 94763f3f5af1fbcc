package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"task-orchestrator/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Thumbnail is the image.thumbnail target: it reads an image from a URL or a
// local path, resizes it (optionally grayscale) and stores the output locally
// or in S3.
type Thumbnail struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

type thumbnailParams struct {
	SourceURL   string `json:"source_url"`
	Filepath    string `json:"filepath"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewThumbnail constructs the target and chooses uploaders from config.
func NewThumbnail(ctx context.Context, cfg config.Config) (*Thumbnail, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload uploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}

	return &Thumbnail{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handle runs one thumbnail call and returns where the output was stored.
func (h *Thumbnail) Handle(ctx context.Context, call Call) (any, error) {
	params, err := h.params(call)
	if err != nil {
		return nil, err
	}

	data, contentType, err := h.read(ctx, params)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}
	if params.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, params.Width, params.Height, imaging.Lanczos)

	outputFormat := chooseFormat(params.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	key := params.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s.%s", call.ID, formatExtension(outputFormat))
	}
	key = sanitizeKey(key)

	up, err := h.pickUploader(params.Destination)
	if err != nil {
		return nil, err
	}
	location, err := up.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return location, nil
}

func (h *Thumbnail) params(call Call) (thumbnailParams, error) {
	p := thumbnailParams{Grayscale: true}
	raw, err := json.Marshal(call.Kwargs)
	if err != nil {
		return p, fmt.Errorf("marshal kwargs: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode kwargs: %w", err)
	}
	if p.SourceURL == "" && p.Filepath == "" && len(call.Args) > 0 {
		if s, ok := call.Args[0].(string); ok {
			if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
				p.SourceURL = s
			} else {
				p.Filepath = s
			}
		}
	}
	if p.SourceURL == "" && p.Filepath == "" {
		return p, errors.New("source_url or filepath is required")
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = h.cfg.ImageDefaultWidth, h.cfg.ImageDefaultHeight
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = 320
	}
	if p.Destination == "" {
		p.Destination = "local"
		if h.cfg.ImageS3Bucket != "" {
			p.Destination = "s3"
		}
	}
	return p, nil
}

func (h *Thumbnail) read(ctx context.Context, p thumbnailParams) ([]byte, string, error) {
	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	if p.Filepath != "" {
		f, err := os.Open(p.Filepath)
		if err != nil {
			return nil, "", fmt.Errorf("open source: %w", err)
		}
		defer f.Close()
		body, err := readLimited(f, limit)
		return body, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.SourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := readLimited(resp.Body, limit)
	return body, resp.Header.Get("Content-Type"), err
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, nil
}

func (h *Thumbnail) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
	case "local", "":
		return h.local, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	}
	if strings.Contains(strings.ToLower(fallback), "png") {
		return "image/png"
	}
	return "image/jpeg"
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
