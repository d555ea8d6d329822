package smartio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MemoryS3 is an in-memory S3API for tests and dry runs.
type MemoryS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	Calls   []string
}

// NewMemoryS3 returns an empty in-memory store.
func NewMemoryS3() *MemoryS3 {
	return &MemoryS3{objects: make(map[string][]byte)}
}

func memKey(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

// Put stores an object directly.
func (m *MemoryS3) Put(bucket, key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), body...)
}

// Object returns a stored object.
func (m *MemoryS3) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[bucket+"/"+key]
	return b, ok
}

// Keys lists stored objects as bucket/key.
func (m *MemoryS3) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetObject implements S3API.
func (m *MemoryS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "GetObject")
	b, ok := m.objects[memKey(in.Bucket, in.Key)]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", memKey(in.Bucket, in.Key))
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

// PutObject implements S3API, honouring IfNoneMatch "*".
func (m *MemoryS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "PutObject")
	k := memKey(in.Bucket, in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := m.objects[k]; exists {
			return nil, fmt.Errorf("PreconditionFailed: %s exists", k)
		}
	}
	m.objects[k] = body
	return &s3.PutObjectOutput{}, nil
}

// CopyObject implements S3API.
func (m *MemoryS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "CopyObject")
	src := strings.TrimPrefix(aws.ToString(in.CopySource), "/")
	b, ok := m.objects[src]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", src)
	}
	m.objects[memKey(in.Bucket, in.Key)] = append([]byte(nil), b...)
	return &s3.CopyObjectOutput{}, nil
}
