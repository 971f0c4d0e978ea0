package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"engraver/internal/config"
	"engraver/internal/fileutil"
	"engraver/internal/services"
)

// ObjectGetter is the part of the S3 API the fetcher needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the artifacts config. Static
// credentials are used when an access key is set; otherwise the default AWS
// credential chain applies.
func NewS3Client(ctx context.Context, cfg config.Artifacts) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	}), nil
}

func (f *Fetcher) objectGetter(ctx context.Context) (ObjectGetter, error) {
	f.s3Mu.Lock()
	defer f.s3Mu.Unlock()
	if f.s3 != nil {
		return f.s3, nil
	}
	client, err := NewS3Client(ctx, f.artifacts)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "artifact", "s3", "create client", err)
	}
	f.s3 = client
	return client, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, bucket, key, dst string) (fileutil.Result, error) {
	getter, err := f.objectGetter(ctx)
	if err != nil {
		return fileutil.Result{}, err
	}
	out, err := getter.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return fileutil.Result{}, services.Wrap(services.ErrNotFound, "artifact", "s3", fmt.Sprintf("s3://%s/%s", bucket, key), err)
		}
		return fileutil.Result{}, services.Wrap(services.ErrTransient, "artifact", "s3", fmt.Sprintf("get s3://%s/%s", bucket, key), err)
	}
	defer out.Body.Close()

	if f.maxBytes > 0 && out.ContentLength != nil && *out.ContentLength > f.maxBytes {
		return fileutil.Result{}, services.Wrap(services.ErrValidation, "artifact", "s3",
			fmt.Sprintf("object is %d bytes, limit is %d", *out.ContentLength, f.maxBytes), nil)
	}
	res, err := fileutil.WriteAtomic(dst, out.Body, f.maxBytes)
	if errors.Is(err, fileutil.ErrTooLarge) {
		return res, services.Wrap(services.ErrValidation, "artifact", "s3", "object too large", err)
	}
	if err != nil {
		return res, services.Wrap(services.ErrTransient, "artifact", "s3", "store object", err)
	}
	return res, nil
}
