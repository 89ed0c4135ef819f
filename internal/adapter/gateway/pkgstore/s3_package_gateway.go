package pkgstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/advocai/caseflow/internal/application/port/output"
)

// S3PackageGateway implements PackageGateway using AWS S3.
// Bucket structure: s3://<bucket>/<prefix>/packages/<sessionID>/<refID>/
//   - content: the rendered appeal package
//   - ref.json: the package reference record
type S3PackageGateway struct {
	client     S3API // Use interface for testability
	bucketName string
	prefix     string // Optional prefix for all keys (e.g., "caseflow/prod")
}

// S3Config holds S3 package gateway configuration
type S3Config struct {
	BucketName string // S3 bucket name
	Prefix     string // Optional key prefix
	Region     string // AWS region (optional, uses default if empty)
}

// NewS3PackageGateway creates a new S3-based package gateway
func NewS3PackageGateway(cfg S3Config) (*S3PackageGateway, error) {
	awsCfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}

	return &S3PackageGateway{
		client:     s3.NewFromConfig(awsCfg),
		bucketName: cfg.BucketName,
		prefix:     cfg.Prefix,
	}, nil
}

// NewS3PackageGatewayWithClient creates an S3-based package gateway with a
// custom S3 client. This is primarily used for testing with mock clients.
func NewS3PackageGatewayWithClient(client S3API, bucketName, prefix string) *S3PackageGateway {
	return &S3PackageGateway{
		client:     client,
		bucketName: bucketName,
		prefix:     prefix,
	}
}

// SavePackage uploads a final package and its reference record to S3.
func (g *S3PackageGateway) SavePackage(ctx context.Context, req output.SavePackageRequest) (*output.PackageRef, error) {
	refID := generateRefID(req.Content)

	contentKey := g.buildKey("packages", req.SessionID, refID, "content")

	s3Metadata := map[string]string{
		"session-id": req.SessionID,
		"case-id":    req.CaseID,
		"stored-at":  time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range req.Metadata {
		s3Metadata[k] = v
	}

	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucketName),
		Key:         aws.String(contentKey),
		Body:        bytes.NewReader(req.Content),
		ContentType: aws.String(req.ContentType),
		Metadata:    s3Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("upload package to S3: %w", err)
	}

	ref := output.PackageRef{
		Ref:         path.Join(req.SessionID, refID),
		StoragePath: fmt.Sprintf("s3://%s/%s", g.bucketName, contentKey),
		Size:        int64(len(req.Content)),
		StoredAt:    time.Now().UTC(),
		Metadata:    req.Metadata,
	}

	// The reference record is stored alongside the content so LoadPackage
	// can reconstruct it without reading S3 object metadata.
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("marshal package ref: %w", err)
	}

	refKey := g.buildKey("packages", req.SessionID, refID, "ref.json")
	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucketName),
		Key:         aws.String(refKey),
		Body:        bytes.NewReader(refJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("upload package ref to S3: %w", err)
	}

	return &ref, nil
}

// LoadPackage retrieves a stored package from S3 by its reference.
func (g *S3PackageGateway) LoadPackage(ctx context.Context, ref string) (*output.AppealPackage, error) {
	sessionID, refID, err := splitRef(ref)
	if err != nil {
		return nil, err
	}

	refKey := g.buildKey("packages", sessionID, refID, "ref.json")
	refObj, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucketName),
		Key:    aws.String(refKey),
	})
	if err != nil {
		return nil, fmt.Errorf("download package ref from S3: %w", err)
	}
	defer refObj.Body.Close()

	refJSON, err := io.ReadAll(refObj.Body)
	if err != nil {
		return nil, fmt.Errorf("read package ref: %w", err)
	}

	var packageRef output.PackageRef
	if err := json.Unmarshal(refJSON, &packageRef); err != nil {
		return nil, fmt.Errorf("unmarshal package ref: %w", err)
	}

	contentKey := g.buildKey("packages", sessionID, refID, "content")
	contentObj, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucketName),
		Key:    aws.String(contentKey),
	})
	if err != nil {
		return nil, fmt.Errorf("download package from S3: %w", err)
	}
	defer contentObj.Body.Close()

	content, err := io.ReadAll(contentObj.Body)
	if err != nil {
		return nil, fmt.Errorf("read package content: %w", err)
	}

	return &output.AppealPackage{
		Ref:     packageRef,
		Content: content,
	}, nil
}

// buildKey builds an S3 key with the configured prefix
func (g *S3PackageGateway) buildKey(parts ...string) string {
	if g.prefix != "" {
		parts = append([]string{g.prefix}, parts...)
	}
	return path.Join(parts...)
}

// generateRefID produces the package segment of a reference,
// <hash>-<nanos>: the hash keeps re-renders of the same session
// distinguishable. The full reference is <sessionID>/<refID>.
func generateRefID(content []byte) string {
	hash := sha256.Sum256(content)
	return fmt.Sprintf("%s-%d", hex.EncodeToString(hash[:8]), time.Now().UnixNano())
}

// splitRef parses a reference back into its session and package segments.
func splitRef(ref string) (sessionID, refID string, err error) {
	dir, base := path.Split(ref)
	if dir == "" || base == "" {
		return "", "", fmt.Errorf("malformed package ref: %q", ref)
	}
	return path.Clean(dir), base, nil
}
