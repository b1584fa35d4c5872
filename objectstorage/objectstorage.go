// Package objectstorage mirrors exported snapshot archives to a secondary
// store (a local directory or an s3-like bucket)
package objectstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"guildvault/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectStorage struct {
	c *config.ObjectStorageConfig

	// If s3-like
	minio *minio.Client
}

func New(c *config.ObjectStorageConfig) (o *ObjectStorage, err error) {
	o = &ObjectStorage{
		c: c,
	}

	switch c.Type {
	case "s3-like":
		o.minio, err = minio.New(c.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
			Secure: c.Secure,
		})

		if err != nil {
			return nil, err
		}
	case "local":
		err = os.MkdirAll(c.Path, 0755)

		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("invalid object storage type")
	}

	return o, nil
}

// Save writes a snapshot archive to the mirror
func (o *ObjectStorage) Save(ctx context.Context, dir, filename string, data *bytes.Buffer) error {
	switch o.c.Type {
	case "local":
		err := os.MkdirAll(filepath.Join(o.c.Path, dir), 0755)

		if err != nil {
			return err
		}

		f, err := os.Create(filepath.Join(o.c.Path, dir, filename))

		if err != nil {
			return err
		}

		defer f.Close()

		_, err = io.Copy(f, data)

		return err
	case "s3-like":
		_, err := o.minio.PutObject(ctx, o.c.Path, dir+"/"+filename, data, int64(data.Len()), minio.PutObjectOptions{})

		return err
	default:
		return fmt.Errorf("operation not supported for object storage type %s", o.c.Type)
	}
}

// Delete removes a mirrored archive. Missing objects are not an error.
func (o *ObjectStorage) Delete(ctx context.Context, dir, filename string) error {
	switch o.c.Type {
	case "local":
		err := os.Remove(filepath.Join(o.c.Path, dir, filename))

		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	case "s3-like":
		return o.minio.RemoveObject(ctx, o.c.Path, dir+"/"+filename, minio.RemoveObjectOptions{})
	default:
		return fmt.Errorf("operation not supported for object storage type %s", o.c.Type)
	}
}
