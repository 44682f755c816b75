// Package archive stores distribution receipts as JSON objects in S3 for
// audit.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/doomscroll/backend/indexer/pkg/distributor"
)

// PutObjectAPI is the S3 call the archive needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Logger *slog.Logger
	Client PutObjectAPI
	Bucket string
	Prefix string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

type Archive struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Archive{log: cfg.Logger, cfg: cfg}, nil
}

// NewS3Client builds a client from the default AWS credential chain. A
// non-empty endpoint targets an S3-compatible store with path-style
// addressing.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (a *Archive) Name() string { return "s3" }

// Key returns the object key of a challenge's receipt.
func (a *Archive) Key(challengeID int64) string {
	return path.Join(a.cfg.Prefix, "challenges", strconv.FormatInt(challengeID, 10), "distribution.json")
}

type receiptDocument struct {
	ChallengeID   int64                       `json:"challenge_id"`
	Address       string                      `json:"address"`
	Signature     string                      `json:"signature,omitempty"`
	Pool          int64                       `json:"pool"`
	Share         int64                       `json:"share"`
	Winners       []distributor.ReceiptWinner `json:"winners"`
	DistributedAt string                      `json:"distributed_at"`
}

// RecordDistribution writes the receipt. Rewriting the same challenge
// overwrites the object with identical content.
func (a *Archive) RecordDistribution(ctx context.Context, r distributor.Receipt) error {
	winners := r.Winners
	if winners == nil {
		winners = []distributor.ReceiptWinner{}
	}
	body, err := json.MarshalIndent(receiptDocument{
		ChallengeID:   r.ChallengeID,
		Address:       r.Address,
		Signature:     r.Signature,
		Pool:          r.Pool,
		Share:         r.Share,
		Winners:       winners,
		DistributedAt: r.DistributedAt.UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}

	key := a.Key(r.ChallengeID)
	_, err = a.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"challenge-id": strconv.FormatInt(r.ChallengeID, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}
	a.log.Info("archive: stored distribution receipt", "challenge_id", r.ChallengeID, "key", key)
	return nil
}
