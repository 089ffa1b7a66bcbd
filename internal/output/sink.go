package output

import (
	"bufio"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
)

// Sink names.
const (
	SinkFS = "fs"
	SinkS3 = "s3"
)

// FileBase is the base name of the output file.
const FileBase = "output"

// Sink consumes the final document stream. Either every document is written
// or an error is returned.
type Sink interface {
	Write(ctx context.Context, docs <-chan *model.Document) error
}

// New builds the sink configured for the run. creds supplies S3 credentials,
// which are never part of the run snapshot.
func New(cfg *config.RunConfig, creds config.S3Config) (Sink, error) {
	f, err := NewFormatter(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	switch cfg.OutputSink {
	case SinkFS, "":
		return &FileSink{Dir: cfg.OutputPath, Format: f}, nil
	case SinkS3:
		client, err := minio.New(cfg.S3.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
			Secure: cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, eris.Wrap(err, "output: s3 client")
		}
		return &S3Sink{
			Client: client,
			Bucket: cfg.S3.Bucket,
			Key:    path.Join(cfg.S3.Prefix, cfg.RunID, FileBase+f.Ext()),
			Format: f,
		}, nil
	default:
		return nil, eris.Errorf("output: unknown sink %q", cfg.OutputSink)
	}
}

// FileSink writes <Dir>/output.<ext> through a temp file that replaces the
// target only after everything was written and synced.
type FileSink struct {
	Dir    string
	Format Formatter
}

// Path returns the final output path.
func (s *FileSink) Path() string {
	return filepath.Join(s.Dir, FileBase+s.Format.Ext())
}

func (s *FileSink) Write(ctx context.Context, docs <-chan *model.Document) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return eris.Wrap(err, "output: create directory")
	}
	tmp, err := os.CreateTemp(s.Dir, "."+FileBase+"-*")
	if err != nil {
		return eris.Wrap(err, "output: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	bw := bufio.NewWriterSize(tmp, 1<<20)
	n, err := writeAll(ctx, bw, s.Format, docs)
	if err == nil {
		err = eris.Wrap(bw.Flush(), "output: flush")
	}
	if err == nil {
		err = eris.Wrap(tmp.Sync(), "output: sync")
	}
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = eris.Wrap(cerr, "output: close")
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return eris.Wrap(err, "output: publish")
	}
	zap.L().Info("output written", zap.String("path", s.Path()), zap.Int("documents", n))
	return nil
}

// ObjectPutter is the part of the minio client used by S3Sink.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Sink streams the output to an S3-compatible bucket. A failed upload is
// reported as a whole; S3 never exposes a partial object.
type S3Sink struct {
	Client ObjectPutter
	Bucket string
	Key    string
	Format Formatter
}

func (s *S3Sink) Write(ctx context.Context, docs <-chan *model.Document) error {
	pr, pw := io.Pipe()
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var n int
	done := make(chan struct{})
	go func() {
		defer close(done)
		bw := bufio.NewWriterSize(pw, 1<<20)
		var err error
		n, err = writeAll(wctx, bw, s.Format, docs)
		if err == nil {
			err = bw.Flush()
		}
		pw.CloseWithError(err)
	}()

	info, err := s.Client.PutObject(ctx, s.Bucket, s.Key, pr, -1, minio.PutObjectOptions{
		ContentType: contentType(s.Format),
	})
	// Unblock the writer if the upload stopped reading early.
	pr.CloseWithError(err)
	if err != nil {
		cancel()
	}
	<-done
	if err != nil {
		return eris.Wrapf(err, "output: upload s3://%s/%s", s.Bucket, s.Key)
	}
	zap.L().Info("output uploaded",
		zap.String("bucket", s.Bucket), zap.String("key", s.Key),
		zap.Int64("bytes", info.Size), zap.Int("documents", n))
	return nil
}

func contentType(f Formatter) string {
	if _, ok := f.(JSONL); ok {
		return "application/x-ndjson"
	}
	return "text/plain; charset=utf-8"
}

func writeAll(ctx context.Context, w io.Writer, f Formatter, docs <-chan *model.Document) (int, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, eris.Wrap(ctx.Err(), "output: context cancelled")
		case doc, ok := <-docs:
			if !ok {
				return n, nil
			}
			if err := f.Write(w, doc); err != nil {
				return n, err
			}
			n++
		}
	}
}
