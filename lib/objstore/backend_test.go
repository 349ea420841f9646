package objstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// testBackends is a map of backend name to factory function
var testBackends = map[string]func(t *testing.T) IBackend{
	"Memory": func(t *testing.T) IBackend { return NewMemoryBackend() },
	"Badger": func(t *testing.T) IBackend {
		b, err := NewBadgerBackend("")
		if err != nil {
			t.Fatalf("Failed to open badger backend: %v", err)
		}
		return b
	},
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestBackendObjects(t *testing.T) {
	ctx := context.Background()
	for name, factory := range testBackends {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()

			if err := b.Create(ctx, 5); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if err := b.Create(ctx, 5); !errors.Is(err, ErrExists) {
				t.Errorf("Expected ErrExists, got %v", err)
			}
			if _, err := b.Size(ctx, 6); !errors.Is(err, ErrNoObject) {
				t.Errorf("Expected ErrNoObject, got %v", err)
			}
			if err := b.Create(ctx, 2); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if highest, err := b.MaxObjectID(ctx); err != nil || highest != 5 {
				t.Errorf("Expected max object id 5, got %d (%v)", highest, err)
			}

			if err := b.Destroy(ctx, 2); err != nil {
				t.Fatalf("Destroy failed: %v", err)
			}
			if err := b.Destroy(ctx, 2); !errors.Is(err, ErrNoObject) {
				t.Errorf("Expected ErrNoObject, got %v", err)
			}
			objects, _, err := b.Statfs(ctx)
			if err != nil || objects != 1 {
				t.Errorf("Expected 1 object, got %d (%v)", objects, err)
			}
		})
	}
}

func TestBackendData(t *testing.T) {
	ctx := context.Background()
	for name, factory := range testBackends {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			defer b.Close()
			if err := b.Create(ctx, 1); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			// crosses two page boundaries and leaves a hole in front
			data := pattern(9000, 1)
			size, err := b.WriteAt(ctx, 1, data, 5000)
			if err != nil || size != 14000 {
				t.Fatalf("WriteAt returned size %d (%v), expected 14000", size, err)
			}

			buf := bytes.Repeat([]byte{0xff}, 16000)
			n, err := b.ReadAt(ctx, 1, buf, 0)
			if err != nil || n != 14000 {
				t.Fatalf("ReadAt returned %d (%v), expected 14000", n, err)
			}
			if !bytes.Equal(buf[:5000], make([]byte, 5000)) {
				t.Errorf("Expected the hole to read as zeros")
			}
			if !bytes.Equal(buf[5000:14000], data) {
				t.Errorf("Data mismatch after write")
			}
			if !bytes.Equal(buf[14000:], make([]byte, 2000)) {
				t.Errorf("Expected the tail past the end to be zeroed")
			}

			if n, err := b.ReadAt(ctx, 1, buf[:10], 20000); err != nil || n != 0 {
				t.Errorf("Expected an empty read past the end, got %d (%v)", n, err)
			}

			// punch the middle of the data, including one full page
			if err := b.Punch(ctx, 1, 6000, 7000); err != nil {
				t.Fatalf("Punch failed: %v", err)
			}
			if _, err := b.ReadAt(ctx, 1, buf[:14000], 0); err != nil {
				t.Fatalf("ReadAt failed: %v", err)
			}
			if !bytes.Equal(buf[6000:13000], make([]byte, 7000)) {
				t.Errorf("Expected the punched range to read as zeros")
			}
			if !bytes.Equal(buf[5000:6000], data[:1000]) || !bytes.Equal(buf[13000:14000], data[8000:]) {
				t.Errorf("Punch changed data outside of its range")
			}
			if size, _ := b.Size(ctx, 1); size != 14000 {
				t.Errorf("Punch changed the size to %d", size)
			}

			// shrink, then grow again: the dropped part must come back as zeros
			if err := b.Truncate(ctx, 1, 5500); err != nil {
				t.Fatalf("Truncate failed: %v", err)
			}
			if err := b.Truncate(ctx, 1, 9000); err != nil {
				t.Fatalf("Truncate failed: %v", err)
			}
			n, err = b.ReadAt(ctx, 1, buf[:9000], 0)
			if err != nil || n != 9000 {
				t.Fatalf("ReadAt returned %d (%v), expected 9000", n, err)
			}
			if !bytes.Equal(buf[5000:5500], data[:500]) {
				t.Errorf("Truncate lost data below the new size")
			}
			if !bytes.Equal(buf[5500:9000], make([]byte, 3500)) {
				t.Errorf("Expected data beyond the old truncation point to be zeroed")
			}

			objects, bytesUsed, err := b.Statfs(ctx)
			if err != nil || objects != 1 || bytesUsed != 9000 {
				t.Errorf("Statfs returned %d objects, %d bytes (%v)", objects, bytesUsed, err)
			}
			if err := b.Sync(); err != nil {
				t.Errorf("Sync failed: %v", err)
			}
		})
	}
}

func TestBadgerPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewBadgerBackend(dir)
	if err != nil {
		t.Fatalf("Failed to open badger backend: %v", err)
	}
	if err := b.Create(ctx, 42); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := b.WriteAt(ctx, 42, []byte("durable"), 4090); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := b.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b, err = NewBadgerBackend(dir)
	if err != nil {
		t.Fatalf("Failed to reopen badger backend: %v", err)
	}
	defer b.Close()
	buf := make([]byte, 7)
	if n, err := b.ReadAt(ctx, 42, buf, 4090); err != nil || n != 7 || string(buf) != "durable" {
		t.Errorf("Expected %q after reopen, got %q (%d, %v)", "durable", buf, n, err)
	}
	if highest, err := b.MaxObjectID(ctx); err != nil || highest != 42 {
		t.Errorf("Expected max object id 42, got %d (%v)", highest, err)
	}
}
