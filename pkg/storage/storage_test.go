package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"github.com/vango-dev/pulse/pkg/pulse"
)

// testBackend runs the contract every backend must satisfy.
func testBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := b.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = %v, %v; want false, nil", ok, err)
	}

	for _, kv := range []struct{ k, v string }{
		{"pulse:b", "2"},
		{"pulse:a", "1"},
		{"pulse:c/1", `{"id":1}`},
		{"other:x", "x"},
	} {
		if err := b.Set(ctx, kv.k, []byte(kv.v)); err != nil {
			t.Fatalf("Set(%s): %v", kv.k, err)
		}
	}

	got, ok, err := b.Get(ctx, "pulse:a")
	if err != nil || !ok || string(got) != "1" {
		t.Errorf("Get(pulse:a) = %q, %v, %v", got, ok, err)
	}

	if err := b.Set(ctx, "pulse:a", []byte("one")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _, _ = b.Get(ctx, "pulse:a")
	if string(got) != "one" {
		t.Errorf("after overwrite Get = %q", got)
	}

	keys, err := b.Keys(ctx, "pulse:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if diff := cmp.Diff([]string{"pulse:a", "pulse:b", "pulse:c/1"}, keys); diff != "" {
		t.Errorf("Keys(pulse:) (-want +got):\n%s", diff)
	}

	if err := b.Remove(ctx, "pulse:b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := b.Remove(ctx, "pulse:never"); err != nil {
		t.Errorf("Remove(missing) = %v, want nil", err)
	}
	if _, ok, _ := b.Get(ctx, "pulse:b"); ok {
		t.Error("removed key still present")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := b.Get(ctx, "pulse:a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
	if err := b.Set(ctx, "pulse:a", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
}

func TestMemoryBackend(t *testing.T) {
	testBackend(t, NewMemory())
}

func TestBoltBackend(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "pulse.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	testBackend(t, b)
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.db")
	ctx := context.Background()

	b, err := OpenBolt(path, WithBucket("app"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	b.Set(ctx, "pulse:count", []byte("3"))
	b.Close()

	b, err = OpenBolt(path, WithBucket("app"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	got, ok, err := b.Get(ctx, "pulse:count")
	if err != nil || !ok || string(got) != "3" {
		t.Errorf("Get after reopen = %q, %v, %v", got, ok, err)
	}
}

func TestS3Backend(t *testing.T) {
	client := newFakeS3()
	store := NewS3(client, "bucket", WithObjectPrefix("app/"))
	if !store.Async() {
		t.Error("S3 should report Async")
	}
	testBackend(t, store)

	if _, ok := client.objects["app/pulse:a"]; !ok {
		t.Errorf("expected object under prefixed key, have %v", client.sortedKeys())
	}
}

func TestRedisBackend(t *testing.T) {
	client := newFakeRedis()
	store := NewRedis(client, WithRedisPrefix("app:"), WithRedisTTL(time.Hour))
	testBackend(t, store)

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.lastTTL != time.Hour {
		t.Errorf("expected TTL to be passed through, got %v", client.lastTTL)
	}
}

func TestRedisSync(t *testing.T) {
	if NewRedis(newFakeRedis(), WithRedisSync()).Async() {
		t.Error("WithRedisSync should disable Async")
	}
}

func TestMemoryTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewMemory(WithTTL(time.Minute), WithCleanupInterval(0), withClock(clock))
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"))
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("fresh entry should be readable")
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expired entry should not be readable")
	}
	if keys, _ := m.Keys(ctx, ""); len(keys) != 0 {
		t.Errorf("expired entry listed: %v", keys)
	}
	m.cleanup()
	if m.Len() != 0 {
		t.Errorf("cleanup left %d entries", m.Len())
	}
}

func TestMemoryCopiesData(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	data := []byte("abc")
	m.Set(ctx, "k", data)
	data[0] = 'X'

	got, _, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored data aliased caller slice: %q", got)
	}
	got[1] = 'Y'
	again, _, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("returned data aliased store: %q", again)
	}
}

func TestYAMLCodecWithRuntime(t *testing.T) {
	store := NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	rt := pulse.NewRuntime(pulse.WithLogger(logger), pulse.WithStorage(store), pulse.WithCodec(YAMLCodec{}))
	settings := pulse.NewState(rt, map[string]any{"theme": "light"})
	settings.Persist("settings")
	settings.Set(map[string]any{"theme": "dark", "size": 12})

	raw, ok, err := store.Get(ctx, "pulse:settings")
	if err != nil || !ok {
		t.Fatalf("expected stored settings, got %v %v", ok, err)
	}
	if !bytes.Contains(raw, []byte("theme: dark")) {
		t.Errorf("expected YAML document, got %q", raw)
	}

	rt2 := pulse.NewRuntime(pulse.WithLogger(logger), pulse.WithStorage(store), pulse.WithCodec(YAMLCodec{}))
	restored := pulse.NewState(rt2, map[string]any{"theme": "light"})
	restored.Persist("settings")

	want := map[string]any{"theme": "dark", "size": 12}
	if diff := cmp.Diff(want, restored.Value()); diff != "" {
		t.Errorf("restored settings (-want +got):\n%s", diff)
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    SQLDialect
		wantErr bool
	}{
		{"postgres", DialectPostgreSQL, false},
		{"PostgreSQL", DialectPostgreSQL, false},
		{"mysql", DialectMySQL, false},
		{"sqlite3", DialectSQLite, false},
		{"oracle", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDialect(%q) = %v, %v", tt.in, got, err)
		}
	}
}

// fakeS3 is an in-memory S3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) sortedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range f.sortedKeys() {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

// fakeRedis is an in-memory RedisClient.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string][]byte
	lastTTL time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte)}
}

type fakeRedisCmd struct {
	data []byte
	keys []string
	err  error
}

func (c fakeRedisCmd) Err() error                { return c.err }
func (c fakeRedisCmd) Bytes() ([]byte, error)    { return c.data, c.err }
func (c fakeRedisCmd) Result() ([]string, error) { return c.keys, c.err }

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value.([]byte)...)
	f.lastTTL = expiration
	return fakeRedisCmd{}
}

func (f *fakeRedis) Get(_ context.Context, key string) RedisStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok {
		return fakeRedisCmd{err: ErrRedisNil}
	}
	return fakeRedisCmd{data: data}
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) RedisIntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return fakeRedisCmd{}
}

func (f *fakeRedis) Keys(_ context.Context, pattern string) RedisStringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.ReplaceAll(strings.TrimSuffix(pattern, "*"), `\`, "")
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return fakeRedisCmd{keys: keys}
}
