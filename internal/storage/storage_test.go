package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
)

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
	putErr  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, os.ErrNotExist
	}
	cl := int64(len(b))
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b)), ContentLength: &cl}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return &s3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func withFakeS3(t *testing.T, f *fakeS3) {
	t.Helper()
	old := newS3Client
	newS3Client = func(ctx context.Context) (s3iface, error) { return f, nil }
	t.Cleanup(func() { newS3Client = old })
}

func TestFSStoreRoundTrip(t *testing.T) {
	st := NewFSStore(t.TempDir())
	ctx := context.Background()

	w, err := st.Create(ctx, "job-1/BLOCK.csv")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := io.WriteString(w, "hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := st.OpenReader(ctx, "job-1/BLOCK.csv")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	b, _ := io.ReadAll(r)
	if string(b) != "hello\n" {
		t.Fatalf("content=%q", b)
	}

	if _, err := st.OpenReader(ctx, "job-1/missing"); err == nil {
		t.Fatal("expected error for missing object")
	}
	if _, err := st.Create(ctx, "../escape"); err == nil {
		t.Fatal("expected error for escaping name")
	}
}

func TestOpenSchemes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if _, err := Open(ctx, "file://"+dir); err != nil {
		t.Fatalf("file scheme: %v", err)
	}
	withFakeS3(t, newFakeS3())
	if _, err := Open(ctx, "s3://bucket/prefix"); err != nil {
		t.Fatalf("s3 scheme: %v", err)
	}
	if _, err := Open(ctx, "gs://bucket"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := Open(ctx, "s3://"); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestS3StoreRoundTrip(t *testing.T) {
	fake := newFakeS3()
	withFakeS3(t, fake)
	ctx := context.Background()

	st, err := Open(ctx, "s3://bucket/checkpoints")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	w, err := st.Create(ctx, "job-2/orders_diff.csv")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := io.WriteString(w, "1,CREATE\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := string(fake.objects["bucket/checkpoints/job-2/orders_diff.csv"]); got != "1,CREATE\n" {
		t.Fatalf("uploaded=%q", got)
	}

	r, err := st.OpenReader(ctx, "job-2/orders_diff.csv")
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	b, _ := io.ReadAll(r)
	if string(b) != "1,CREATE\n" {
		t.Fatalf("downloaded=%q", b)
	}
}

func TestOpenURI(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := dir + "/zone.txt"
	if err := os.WriteFile(path, []byte("zonedata"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, uri := range []string{path, "file://" + path} {
		r, err := OpenURI(ctx, uri)
		if err != nil {
			t.Fatalf("open %q: %v", uri, err)
		}
		b, _ := io.ReadAll(r)
		r.Close()
		if string(b) != "zonedata" {
			t.Fatalf("content=%q for %q", b, uri)
		}
	}

	fake := newFakeS3()
	fake.objects["zones/example.zone"] = []byte("s3data")
	withFakeS3(t, fake)
	r, err := OpenURI(ctx, "s3://zones/example.zone")
	if err != nil {
		t.Fatalf("open s3: %v", err)
	}
	b, _ := io.ReadAll(r)
	r.Close()
	if string(b) != "s3data" {
		t.Fatalf("content=%q", b)
	}

	if _, err := OpenURI(ctx, "s3://bucketonly"); err == nil {
		t.Fatal("expected error for key-less s3 uri")
	}
}

func checkpointForTest(t *testing.T) *CheckpointStore {
	t.Helper()
	return NewCheckpointStore(NewFSStore(t.TempDir()), zap.NewNop())
}

func TestSaveListChecksum(t *testing.T) {
	c := checkpointForTest(t)
	ctx := context.Background()

	sum, err := c.SaveList(ctx, "job-3", blocklist.ListBlock, strings.NewReader("somedata\n"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	const want = "0737c8e591c68b93feccde50829aca86a80137547d8cfbe96bab6b20f8580c63"
	if sum != want {
		t.Fatalf("checksum=%s; want %s", sum, want)
	}

	var lines []string
	err = c.ReadListLines(ctx, "job-3", blocklist.ListBlock, func(line string) error {
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != 1 || lines[0] != "somedata" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestLabelStreamRoundTrip(t *testing.T) {
	c := checkpointForTest(t)
	ctx := context.Background()

	w, err := c.NewLabelWriter(ctx, "job-4")
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	in := []blocklist.Label{
		{Label: "alpha", Type: blocklist.LabelAdd, IDNTables: []string{"latin"}},
		{Label: "beta", Type: blocklist.LabelDelete},
	}
	for _, l := range in {
		if err := w.Write(l); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if w.Count() != 2 {
		t.Fatalf("count=%d", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var out []blocklist.Label
	err = c.ReadLabels(ctx, "job-4", func(l blocklist.Label) error {
		out = append(out, l)
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != 2 || out[0].Label != "alpha" || out[1].Type != blocklist.LabelDelete {
		t.Fatalf("out=%v", out)
	}
}

func TestOrderAndUnblockableStreams(t *testing.T) {
	c := checkpointForTest(t)
	ctx := context.Background()

	ow, err := c.NewOrderWriter(ctx, "job-5")
	if err != nil {
		t.Fatalf("order writer: %v", err)
	}
	if err := ow.Write(blocklist.Order{ID: 42, Type: blocklist.OrderCreate}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ow.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var orders []blocklist.Order
	if err := c.ReadOrders(ctx, "job-5", func(o blocklist.Order) error {
		orders = append(orders, o)
		return nil
	}); err != nil {
		t.Fatalf("read orders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != 42 {
		t.Fatalf("orders=%v", orders)
	}

	uw, err := c.NewUnblockableWriter(ctx, "job-5")
	if err != nil {
		t.Fatalf("unblockable writer: %v", err)
	}
	if err := uw.Write(blocklist.UnblockableDomain{Label: "example", TLD: "com", Reason: blocklist.ReasonRegistered}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := uw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var ds []blocklist.UnblockableDomain
	if err := c.ReadUnblockables(ctx, "job-5", func(u blocklist.UnblockableDomain) error {
		ds = append(ds, u)
		return nil
	}); err != nil {
		t.Fatalf("read unblockables: %v", err)
	}
	if len(ds) != 1 || ds[0].DomainName() != "example.com" {
		t.Fatalf("domains=%v", ds)
	}
}

func TestReadRejectsMalformedRecords(t *testing.T) {
	st := NewFSStore(t.TempDir())
	c := NewCheckpointStore(st, zap.NewNop())
	ctx := context.Background()

	w, _ := st.Create(ctx, "job-6/labels_diff.csv")
	io.WriteString(w, "good,ADD,latin\nbad line\n")
	w.Close()

	err := c.ReadLabels(ctx, "job-6", func(blocklist.Label) error { return nil })
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveReport(t *testing.T) {
	st := NewFSStore(t.TempDir())
	c := NewCheckpointStore(st, zap.NewNop())
	ctx := context.Background()

	if err := c.SaveReport(ctx, "job-7", ReportUnblockablesAdded, []byte(`{"a":1}`), []byte(`{"b":2}`)); err != nil {
		t.Fatalf("save report: %v", err)
	}
	r, err := st.OpenReader(ctx, "job-7/"+ReportUnblockablesAdded)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	b, _ := io.ReadAll(r)
	if string(b) != "{\"a\":1}\n{\"b\":2}" {
		t.Fatalf("content=%q", b)
	}

	// No payloads, no object.
	if err := c.SaveReport(ctx, "job-7", ReportOrdersCompleted); err != nil {
		t.Fatalf("empty save: %v", err)
	}
	if _, err := st.OpenReader(ctx, "job-7/"+ReportOrdersCompleted); err == nil {
		t.Fatal("expected no object for empty report")
	}
}
