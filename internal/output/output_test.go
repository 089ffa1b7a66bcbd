package output

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/model"
)

func feed(docs ...*model.Document) <-chan *model.Document {
	ch := make(chan *model.Document, len(docs))
	for _, d := range docs {
		ch <- d
	}
	close(ch)
	return ch
}

func sampleDocs() []*model.Document {
	return []*model.Document{
		{ID: "0-1", Filename: "a.txt", Sentences: []string{"First sentence.", "Second <b>one</b>."}},
		{ID: "0-2", Filename: "a.txt", Content: "Only content.\n\nWith two\tlines."},
	}
}

func TestFormats(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		want string
	}{
		{
			name: FormatJSONL,
			ext:  ".jsonl",
			want: `{"id":"0-1","filename":"a.txt","content":"","sentences":["First sentence.","Second <b>one</b>."]}` + "\n" +
				`{"id":"0-2","filename":"a.txt","content":"Only content.\n\nWith two\tlines."}` + "\n",
		},
		{
			name: FormatOnion,
			ext:  ".onion",
			want: "<doc>\n<p>\nFirst sentence.\nSecond <b>one</b>.\n</p>\n</doc>\n" +
				"<doc>\n<p>\nOnly content.\nWith two\tlines.\n</p>\n</doc>\n",
		},
		{
			name: FormatFairseqLM,
			ext:  ".txt",
			want: "First sentence.\nSecond <b>one</b>.\n\nOnly content.\nWith two\tlines.\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFormatter(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.ext, f.Ext())

			var buf bytes.Buffer
			for _, d := range sampleDocs() {
				require.NoError(t, f.Write(&buf, d))
			}
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestNewFormatter_Unknown(t *testing.T) {
	_, err := NewFormatter("parquet")
	assert.Error(t, err)
}

func TestSentences_FlattensNewlines(t *testing.T) {
	doc := &model.Document{Sentences: []string{"a\nb", "  ", " c "}}
	assert.Equal(t, []string{"a b", "c"}, sentences(doc))
}

func TestFileSink_Write(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s := &FileSink{Dir: dir, Format: FairseqLM{}}

	require.NoError(t, s.Write(context.Background(), feed(sampleDocs()...)))

	assert.Equal(t, filepath.Join(dir, "output.txt"), s.Path())
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "First sentence.\nSecond <b>one</b>.\n\nOnly content.\nWith two\tlines.\n\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file removed")
}

func TestFileSink_ReplacesPreviousOutput(t *testing.T) {
	dir := t.TempDir()
	s := &FileSink{Dir: dir, Format: FairseqLM{}}
	require.NoError(t, os.WriteFile(s.Path(), []byte("stale\n"), 0o644))

	require.NoError(t, s.Write(context.Background(), feed(&model.Document{Sentences: []string{"Fresh."}})))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "Fresh.\n\n", string(data))
}

func TestFileSink_CancelLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	s := &FileSink{Dir: dir, Format: JSONL{}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	docs := make(chan *model.Document) // never closed

	err := s.Write(ctx, docs)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoFileExists(t, s.Path())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileSink_CancelKeepsPreviousOutput(t *testing.T) {
	dir := t.TempDir()
	s := &FileSink{Dir: dir, Format: JSONL{}}
	require.NoError(t, os.WriteFile(s.Path(), []byte("previous\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Write(ctx, make(chan *model.Document)))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "previous\n", string(data))
}

type fakePutter struct {
	bucket, key, contentType string
	body                     []byte
	fail                     bool
}

func (f *fakePutter) PutObject(_ context.Context, bucket, object string, r io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.bucket, f.key, f.contentType = bucket, object, opts.ContentType
	if f.fail {
		return minio.UploadInfo{}, eris.New("connection reset")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.body = data
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func TestS3Sink_Write(t *testing.T) {
	fake := &fakePutter{}
	s := &S3Sink{Client: fake, Bucket: "corpus", Key: "runs/r1/output.onion", Format: Onion{}}

	require.NoError(t, s.Write(context.Background(), feed(sampleDocs()...)))

	assert.Equal(t, "corpus", fake.bucket)
	assert.Equal(t, "runs/r1/output.onion", fake.key)
	assert.Equal(t, "text/plain; charset=utf-8", fake.contentType)
	assert.Equal(t, 2, strings.Count(string(fake.body), "<doc>"))
}

func TestS3Sink_UploadFailure(t *testing.T) {
	fake := &fakePutter{fail: true}
	s := &S3Sink{Client: fake, Bucket: "corpus", Key: "k", Format: JSONL{}}

	// The document channel stays open: the writer must not block forever
	// once the upload gives up.
	docs := make(chan *model.Document, 1)
	docs <- sampleDocs()[0]

	err := s.Write(context.Background(), docs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://corpus/k")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestS3Sink_ContentTypeJSONL(t *testing.T) {
	fake := &fakePutter{}
	s := &S3Sink{Client: fake, Bucket: "b", Key: "k", Format: JSONL{}}
	require.NoError(t, s.Write(context.Background(), feed()))
	assert.Equal(t, "application/x-ndjson", fake.contentType)
	assert.Empty(t, fake.body)
}

func TestNew(t *testing.T) {
	cfg := &config.RunConfig{RunID: "r1", OutputPath: "/out", OutputFormat: FormatJSONL, OutputSink: SinkFS}
	s, err := New(cfg, config.S3Config{})
	require.NoError(t, err)
	fs, ok := s.(*FileSink)
	require.True(t, ok)
	assert.Equal(t, "/out/output.jsonl", fs.Path())

	cfg.OutputSink = SinkS3
	cfg.OutputFormat = FormatFairseqLM
	cfg.S3 = config.S3Target{Endpoint: "localhost:9000", Bucket: "corpus", Prefix: "runs"}
	s, err = New(cfg, config.S3Config{AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	s3, ok := s.(*S3Sink)
	require.True(t, ok)
	assert.Equal(t, "corpus", s3.Bucket)
	assert.Equal(t, "runs/r1/output.txt", s3.Key)

	cfg.OutputSink = "ftp"
	_, err = New(cfg, config.S3Config{})
	assert.Error(t, err)

	cfg.OutputSink = SinkFS
	cfg.OutputFormat = "xml"
	_, err = New(cfg, config.S3Config{})
	assert.Error(t, err)
}
