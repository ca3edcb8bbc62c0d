package serialport

import (
	"sync"
	"testing"
)

func TestBufferFIFO(t *testing.T) {
	b := newRecvBuffer()

	data := []byte{0x01, 0x02, 0x03, 0xD5, 0xFF}
	for _, c := range data {
		b.push(c)
	}
	if got := b.available(); got != len(data) {
		t.Fatalf("available = %d, want %d", got, len(data))
	}

	for i, want := range data {
		c, ok := b.pop()
		if !ok {
			t.Fatalf("pop %d: buffer empty", i)
		}
		if c != want {
			t.Errorf("pop %d = 0x%02X, want 0x%02X", i, c, want)
		}
	}
	if _, ok := b.pop(); ok {
		t.Error("pop on drained buffer succeeded")
	}
	if got := b.available(); got != 0 {
		t.Errorf("available after drain = %d", got)
	}
}

func TestBufferRewindsWhenDrained(t *testing.T) {
	b := newRecvBuffer()
	b.push(0x01)
	b.push(0x02)
	b.pop()
	b.pop()
	if b.firstUnread != 0 || b.onePastLast != 0 {
		t.Errorf("cursors after drain = %d/%d, want 0/0", b.firstUnread, b.onePastLast)
	}
}

func TestBufferGrowth(t *testing.T) {
	b := newRecvBuffer()
	n := initialBufferSize*3 + 7
	for i := 0; i < n; i++ {
		b.push(byte(i))
	}
	if got := b.available(); got != n {
		t.Fatalf("available = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		c, ok := b.pop()
		if !ok || c != byte(i) {
			t.Fatalf("pop %d = 0x%02X/%v", i, c, ok)
		}
	}
}

func TestBufferClear(t *testing.T) {
	b := newRecvBuffer()
	b.push(0x01)
	b.push(0x02)
	b.clear()
	if got := b.available(); got != 0 {
		t.Errorf("available after clear = %d", got)
	}
	if _, ok := b.pop(); ok {
		t.Error("pop after clear succeeded")
	}
}

func TestBufferConcurrentPushPop(t *testing.T) {
	b := newRecvBuffer()
	const n = 10000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			b.push(byte(i))
		}
	}()

	got := make([]byte, 0, n)
	for len(got) < n {
		if c, ok := b.pop(); ok {
			got = append(got, c)
		}
	}
	wg.Wait()

	for i, c := range got {
		if c != byte(i) {
			t.Fatalf("byte %d = 0x%02X, want 0x%02X", i, c, byte(i))
		}
	}
}
