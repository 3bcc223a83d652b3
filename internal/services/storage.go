package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/chachabrian/mooveit-tanker/internal/config"
	"github.com/chachabrian/mooveit-tanker/internal/models"
)

// Storage uploads proof media to S3, or to a local directory served under
// /uploads when S3 is not configured.
type Storage struct {
	useS3     bool
	uploader  *s3manager.Uploader
	bucket    string
	region    string
	uploadDir string
	baseURL   string
	now       func() time.Time
}

func NewStorage(cfg config.StorageConfig, logger *slog.Logger) (*Storage, error) {
	if cfg.UsesS3() {
		sess, err := session.NewSession(&aws.Config{
			Region: aws.String(cfg.AWSRegion),
			Credentials: credentials.NewStaticCredentials(
				cfg.AWSAccessKey,
				cfg.AWSSecretKey,
				"",
			),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}

		logger.Info("AWS S3 storage initialized", "bucket", cfg.Bucket, "region", cfg.AWSRegion)
		return &Storage{
			useS3:    true,
			uploader: s3manager.NewUploader(sess),
			bucket:   cfg.Bucket,
			region:   cfg.AWSRegion,
			now:      time.Now,
		}, nil
	}

	if err := os.MkdirAll(cfg.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	logger.Warn("AWS S3 not configured, using local file storage", "dir", cfg.UploadDir)
	return &Storage{
		uploadDir: cfg.UploadDir,
		baseURL:   cfg.BaseURL,
		now:       time.Now,
	}, nil
}

func (s *Storage) UsesS3() bool { return s.useS3 }

// UploadDir is the local directory to serve under /uploads, empty for S3.
func (s *Storage) UploadDir() string { return s.uploadDir }

// Upload stores asset under folder and returns its public URL.
func (s *Storage) Upload(ctx context.Context, asset models.MediaAsset, folder string) (string, error) {
	if len(asset.Data) == 0 {
		return "", fmt.Errorf("empty %s upload", folder)
	}
	fileName := fmt.Sprintf("%d%s", s.now().UnixNano(), filepath.Ext(asset.Filename))

	if s.useS3 {
		return s.uploadToS3(ctx, asset, folder+"/"+fileName)
	}
	return s.uploadLocally(asset, folder, fileName)
}

func (s *Storage) uploadToS3(ctx context.Context, asset models.MediaAsset, key string) (string, error) {
	contentType := asset.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(asset.Data)
	}

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(asset.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

func (s *Storage) uploadLocally(asset models.MediaAsset, folder, fileName string) (string, error) {
	folderPath := filepath.Join(s.uploadDir, folder)
	if err := os.MkdirAll(folderPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create folder directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(folderPath, fileName), asset.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}
	return fmt.Sprintf("%s/uploads/%s", s.baseURL, filepath.ToSlash(filepath.Join(folder, fileName))), nil
}
