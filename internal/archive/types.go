package archive

import "context"

// Config controls log archiving.
type Config struct {
	Enabled   bool
	LocalDir  string
	KeepLast  int
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
}

// Uploader uploads one archive artifact.
type Uploader interface {
	UploadFile(ctx context.Context, localPath string) error
}
