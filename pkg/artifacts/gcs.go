package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
	"google.golang.org/api/iterator"
)

// StorageGCS is a Google Cloud Storage-based blob store
type StorageGCS struct {
	bucketName string
	bucket     *gcs.BucketHandle
	log        logs.Log
}

// NewStorageGCS uses the application default credentials
func NewStorageGCS(ctx context.Context, log logs.Log, bucketName string) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &StorageGCS{
		bucketName: bucketName,
		bucket:     client.Bucket(bucketName),
		log:        log,
	}, nil
}

// The writer is bound to ctx, so ctx must outlive the call to Close
func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	s.log.Debugf("Writing gs://%v/%v", s.bucketName, name)
	return s.bucket.Object(name).NewWriter(ctx), nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, name)
	} else if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	s.log.Infof("Deleting gs://%v/%v", s.bucketName, name)
	return s.bucket.Object(name).Delete(ctx)
}

func (s *StorageGCS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *StorageGCS) List(ctx context.Context, prefix string) ([]string, error) {
	names := []string{}
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	// GCS lists in lexical order already
	return names, nil
}
