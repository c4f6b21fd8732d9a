// Package s3 implements provider.Provider for AWS S3 and S3-compatible
// storage.
package s3

// Config configures an S3 offload target.
//
// Credentials come from the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. When Endpoint is empty and no region resolves
// from the environment or profile, us-east-1 is used.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Region is the AWS region.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores such as
	// MinIO or Ceph RGW on a cluster's storage network.
	Endpoint string

	// Profile is the shared config profile.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit static credentials.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the URL path. Most S3-compatible
	// stores need it.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
