// Copyright 2025 Piyush Poshiya
// SPDX-License-Identifier: Apache-2.0

package calsync

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AssetStore uploads image attachments to blob storage and resolves durable
// download URLs. Upload failures are terminal for the send attempt that hit
// them; no retry loop lives here.
type AssetStore interface {
	Upload(ctx context.Context, localPath, remotePath string) error
	ResolveDownloadURL(ctx context.Context, remotePath string) (string, error)
}

// S3Config configures the S3 (or MinIO) backed asset store.
type S3Config struct {
	Region       string
	Bucket       string
	BaseEndpoint string // optional, for MinIO-style deployments
	AccessKey    string
	SecretKey    string
	URLExpiry    time.Duration
}

// S3AssetStore implements AssetStore on aws-sdk-go-v2.
type S3AssetStore struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// NewS3AssetStore builds an asset store from static credentials.
func NewS3AssetStore(ctx context.Context, cfg S3Config) (*S3AssetStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "")))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	expiry := cfg.URLExpiry
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &S3AssetStore{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		expiry:  expiry,
	}, nil
}

// Upload puts the local file at the given remote key.
func (a *S3AssetStore) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open asset file: %w", err)
	}
	defer f.Close()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(remotePath),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload asset: %w", err)
	}
	return nil
}

// ResolveDownloadURL returns a presigned GET URL for the uploaded object.
func (a *S3AssetStore) ResolveDownloadURL(ctx context.Context, remotePath string) (string, error) {
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(remotePath),
	}, s3.WithPresignExpires(a.expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign download url: %w", err)
	}
	return req.URL, nil
}
