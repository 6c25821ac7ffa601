package checkpoint

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxEntrySize caps extracted files so a corrupt archive cannot fill the
// disk.
const maxEntrySize = 100 << 20

// ArchiveIfEnabled flattens the checkpoint directory into a tar.gz snapshot
// and uploads it to S3. Called on a ticker by the engine; a restart on an
// empty data directory pulls the snapshot back down before opening Badger.
func (s *Store) ArchiveIfEnabled(ctx context.Context) error {
	if !s.cfg.S3.Enabled {
		return nil
	}

	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("sync before archive: %w", err)
	}

	tarFile := filepath.Join(os.TempDir(), fmt.Sprintf("%s-checkpoint.tar.gz", s.pipeline))
	if err := tarGz(s.basePath, tarFile); err != nil {
		return fmt.Errorf("archive checkpoint dir: %w", err)
	}
	defer os.Remove(tarFile)

	client, err := s.s3Client(ctx)
	if err != nil {
		return err
	}

	file, err := os.Open(tarFile)
	if err != nil {
		return err
	}
	defer file.Close()

	uploader := manager.NewUploader(client)
	key := fmt.Sprintf("%s%s.tar.gz", s.cfg.S3.Prefix, s.pipeline)
	res, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.S3.Bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return err
	}
	log.Printf("[Checkpoint] Uploaded to %s", res.Location)
	return nil
}

func (s *Store) restoreArchiveIfAvailable() error {
	if !s.cfg.S3.Enabled {
		return nil
	}

	ctx := context.Background()
	client, err := s.s3Client(ctx)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%s%s.tar.gz", s.cfg.S3.Prefix, s.pipeline)
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.Printf("[Checkpoint] No archive found in S3: %v", err)
		return nil
	}
	defer resp.Body.Close()

	log.Printf("[Checkpoint] Restoring %s from S3", s.pipeline)
	return untarGz(resp.Body, s.basePath)
}

func (s *Store) s3Client(ctx context.Context) (*s3.Client, error) {
	s3cfg := s.cfg.S3
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion(s3cfg.Region),
		awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKey, s3cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func tarGz(source, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	err = filepath.Walk(source, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(source, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}

		hdr, hdrErr := tar.FileInfoHeader(info, "")
		if hdrErr != nil {
			return hdrErr
		}
		hdr.Name = filepath.ToSlash(rel)
		if writeErr := tw.WriteHeader(hdr); writeErr != nil {
			return writeErr
		}
		if info.IsDir() {
			return nil
		}

		in, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer in.Close()
		_, copyErr := io.Copy(tw, in)
		return copyErr
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gzw.Close()
}

func untarGz(reader io.Reader, target string) error {
	gzr, err := gzip.NewReader(reader)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		hdr, nextErr := tr.Next()
		if nextErr == io.EOF {
			return nil
		}
		if nextErr != nil {
			return nextErr
		}
		if hdr.Size > maxEntrySize {
			return fmt.Errorf("archive entry %s too large: %d bytes", hdr.Name, hdr.Size)
		}

		clean := filepath.Clean(hdr.Name)
		if strings.Contains(clean, "..") || strings.HasPrefix(clean, "/") {
			return fmt.Errorf("invalid archive path: %s", hdr.Name)
		}
		path := filepath.Join(target, clean)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if mkErr := os.MkdirAll(path, dirMode); mkErr != nil {
				return mkErr
			}
		case tar.TypeReg:
			if mkErr := os.MkdirAll(filepath.Dir(path), dirMode); mkErr != nil {
				return mkErr
			}
			out, createErr := os.Create(path)
			if createErr != nil {
				return createErr
			}
			if _, copyErr := io.Copy(out, io.LimitReader(tr, maxEntrySize)); copyErr != nil {
				out.Close()
				return copyErr
			}
			if closeErr := out.Close(); closeErr != nil {
				return closeErr
			}
		}
	}
}

// ArchiveLoop runs the periodic archive upload until the context ends.
func (s *Store) ArchiveLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 || !s.cfg.S3.Enabled {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ArchiveIfEnabled(ctx); err != nil {
				log.Printf("[Checkpoint] Archive error for %s: %v", s.pipeline, err)
			} else {
				log.Printf("[Checkpoint] Snapshot created for %s", s.pipeline)
			}
		}
	}
}
