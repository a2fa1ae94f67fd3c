package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bravo68web/lfsgate/pkg/logger"
)

// S3Mirror asynchronously replicates committed blobs to an S3-compatible
// bucket. It is never consulted for Exists/OpenRead: the local fan-out tree
// remains the sole source of truth, matching the core's invariant that a
// replication target cannot resurrect an object the filesystem has forgotten.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Logger
}

// S3MirrorConfig configures an S3Mirror.
type S3MirrorConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	KeyPrefix    string
}

// NewS3Mirror builds an S3Mirror from cfg, loading AWS credentials via the
// default provider chain (environment, shared config, instance profile).
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig, log *logger.Logger) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: loading aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Mirror{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: prefix,
		log:    log,
	}, nil
}

// Put uploads a committed blob to the mirror bucket in the background.
// Failures are logged and otherwise swallowed: the mirror is best-effort
// and must never block or fail a client's upload.
func (m *S3Mirror) Put(ctx context.Context, repo, oid string, size int64, open func() (io.ReadCloser, error)) {
	go func() {
		rc, err := open()
		if err != nil {
			m.log.WithError(err).Warn("s3mirror: reopen for replication failed",
				logger.Repository(repo), logger.OID(oid))
			return
		}
		defer rc.Close()

		key := m.key(repo, oid)
		_, err = m.client.PutObject(context.Background(), &s3.PutObjectInput{
			Bucket:        aws.String(m.bucket),
			Key:           aws.String(key),
			Body:          rc,
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			m.log.WithError(err).Warn("s3mirror: replication upload failed",
				logger.Repository(repo), logger.OID(oid))
			return
		}
		m.log.Debug("s3mirror: replicated blob", logger.Repository(repo), logger.OID(oid), logger.Size(size))
	}()
}

func (m *S3Mirror) key(repo, oid string) string {
	return path.Join(m.prefix, repo, oid)
}
