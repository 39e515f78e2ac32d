package wavechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// DefaultMaxAttachmentSize is the largest payload SubmitAttachment accepts.
const DefaultMaxAttachmentSize = 10 * 1024 * 1024

// Attachment is a local binary payload waiting to be uploaded.
type Attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

// AttachmentFromFile reads a file and detects its MIME type from the
// extension.
func AttachmentFromFile(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to read file: %w", err)
	}
	name := filepath.Base(path)
	return Attachment{FileName: name, ContentType: guessMimeType(name), Data: data}, nil
}

func (a Attachment) contentType() string {
	if a.ContentType != "" {
		return a.ContentType
	}
	return guessMimeType(a.FileName)
}

func (a Attachment) fileName() string {
	if a.FileName != "" {
		return a.FileName
	}
	return "upload" + extensionFor(a.contentType())
}

// Uploader turns an attachment into a durable reference URL.
type Uploader interface {
	Upload(ctx context.Context, a Attachment) (string, error)
}

// ============================================================================
// HTTP object storage
// ============================================================================

// HTTPUploader posts attachments as multipart/form-data to the object
// storage service, which answers {"url": "..."}.
type HTTPUploader struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPUploader(endpoint string, httpClient *http.Client) *HTTPUploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPUploader{endpoint: endpoint, httpClient: httpClient}
}

func (u *HTTPUploader) Upload(ctx context.Context, a Attachment) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, a.fileName()))
	h.Set("Content-Type", a.contentType())
	part, err := w.CreatePart(h)
	if err != nil {
		return "", &UploadError{Err: fmt.Errorf("failed to create form file: %w", err)}
	}
	if _, err := part.Write(a.Data); err != nil {
		return "", &UploadError{Err: fmt.Errorf("failed to write file data: %w", err)}
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &buf)
	if err != nil {
		return "", &UploadError{Err: fmt.Errorf("failed to create upload request: %w", err)}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", &UploadError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &UploadError{Err: fmt.Errorf("failed to decode upload response: %w", err)}
	}
	if out.URL == "" {
		return "", &UploadError{Err: ErrNoReference}
	}
	return out.URL, nil
}

// ============================================================================
// S3-compatible object storage
// ============================================================================

// S3Config holds configuration for the S3 uploader.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"` // Required for MinIO
	PublicURL       string `mapstructure:"public_url"`     // Optional public URL prefix
}

// S3PutObjectAPI is the part of *s3.Client the uploader needs.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores attachments in a bucket and returns their public URL.
type S3Uploader struct {
	api S3PutObjectAPI
	cfg S3Config
}

// NewS3Uploader creates an S3Uploader from static or default AWS
// credentials.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3UploaderWithAPI(client, cfg), nil
}

// NewS3UploaderWithAPI wraps an existing S3 client.
func NewS3UploaderWithAPI(api S3PutObjectAPI, cfg S3Config) *S3Uploader {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &S3Uploader{api: api, cfg: cfg}
}

func (u *S3Uploader) Upload(ctx context.Context, a Attachment) (string, error) {
	key := "attachments/" + uuid.NewString() + strings.ToLower(filepath.Ext(a.fileName()))

	_, err := u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(a.Data),
		ContentType:   aws.String(a.contentType()),
		ContentLength: aws.Int64(int64(len(a.Data))),
	})
	if err != nil {
		return "", &UploadError{Err: fmt.Errorf("failed to upload to S3: %w", err)}
	}
	return u.objectURL(key), nil
}

func (u *S3Uploader) objectURL(key string) string {
	switch {
	case u.cfg.PublicURL != "":
		return strings.TrimRight(u.cfg.PublicURL, "/") + "/" + key
	case u.cfg.Endpoint != "":
		return strings.TrimRight(u.cfg.Endpoint, "/") + "/" + u.cfg.Bucket + "/" + key
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
	}
}

// --------------------------------------------------------------------------
// MIME helpers
// --------------------------------------------------------------------------

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
