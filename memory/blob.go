package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/matchu/matchchat/blob"
)

// Blobs keeps uploaded images in memory.
type Blobs struct {
	// BaseURL prefixes the returned URLs.
	BaseURL string

	mu    sync.Mutex
	files map[string][]byte
}

// UploadImage implements chat.BlobStore.
func (b *Blobs) UploadImage(_ context.Context, userID string, data []byte) (string, error) {
	key := blob.Key(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.files == nil {
		b.files = make(map[string][]byte)
	}
	b.files[key] = slices.Clone(data)
	return b.BaseURL + "/" + key, nil
}

// Image returns the stored image at url.
func (b *Blobs) Image(url string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[strings.TrimPrefix(url, b.BaseURL+"/")]
	return data, ok
}

// Len returns the number of stored images.
func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.files)
}
