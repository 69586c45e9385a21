package blob

import "errors"

var ErrMissingBucket = errors.New("blob: bucket name is required")

type S3Config struct {
	BucketName string `mapstructure:"bucket" yaml:"bucket"`
	Region     string `mapstructure:"region" yaml:"region"`
	AccessKey  string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey  string `mapstructure:"secret_key" yaml:"secret_key"`
	// Endpoint points at an S3 compatible store such as minio. Setting it
	// switches to path style addressing.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

func (c *S3Config) Enabled() bool {
	return c != nil && c.BucketName != ""
}

func (c *S3Config) Validate() error {
	if c.BucketName == "" {
		return ErrMissingBucket
	}
	return nil
}
