// Package blob archives every fetched filelist to an S3 bucket, so the full
// history survives even though the database keeps only the latest listing
// per user.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const keyTimeLayout = "20060102T150405.000000000Z"

// objectAPI is the subset of the S3 client the archive needs.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// ObjectInfo describes one archived snapshot.
type ObjectInfo struct {
	Key       string    `json:"key"`
	CID       string    `json:"cid"`
	FetchedAt time.Time `json:"fetchedAt"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
}

type Archive struct {
	client objectAPI
	config *S3Config
}

func NewArchive(client objectAPI, cfg *S3Config) *Archive {
	return &Archive{client: client, config: cfg}
}

// NewArchiveWithS3Config builds the AWS client from static credentials.
func NewArchiveWithS3Config(ctx context.Context, cfg *S3Config) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 60 * time.Second,
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewArchive(client, cfg), nil
}

// Key is <prefix>/<cid>/<timestamp>.xml
func (a *Archive) Key(cid string, ts time.Time) string {
	return path.Join(a.config.Prefix, cid, ts.UTC().Format(keyTimeLayout)+".xml")
}

func (a *Archive) Archive(ctx context.Context, cid string, ts time.Time, data []byte) error {
	key := a.Key(cid, ts)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &a.config.BucketName,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/xml"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// List returns the archived snapshots of cid, oldest first.
func (a *Archive) List(ctx context.Context, cid string) ([]*ObjectInfo, error) {
	prefix := path.Join(a.config.Prefix, cid) + "/"
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: &a.config.BucketName,
		Prefix: &prefix,
	})

	var objects []*ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			ts, err := time.Parse(keyTimeLayout, strings.TrimSuffix(path.Base(key), ".xml"))
			if err != nil {
				// not ours
				continue
			}
			objects = append(objects, &ObjectInfo{
				Key:       key,
				CID:       cid,
				FetchedAt: ts,
				Size:      aws.ToInt64(obj.Size),
				ETag:      strings.ReplaceAll(aws.ToString(obj.ETag), "\"", ""),
			})
		}
	}

	sort.Slice(objects, func(i, j int) bool {
		return objects[i].FetchedAt.Before(objects[j].FetchedAt)
	})
	return objects, nil
}

// Get reads one archived snapshot by key.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
