package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Process string
}

func TestCache_SetGetDelete(t *testing.T) {
	c := New[entry](10)
	k := Key{Device: "emulator-5554", Context: "WEBVIEW_com.example"}

	_, ok := c.Get(k)
	assert.False(t, ok)

	c.Set(k, entry{Process: "com.example"})
	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, "com.example", got.Process)

	c.Set(k, entry{Process: "com.example:remote"})
	got, _ = c.Get(k)
	assert.Equal(t, "com.example:remote", got.Process, "set overwrites")

	c.Delete(k)
	_, ok = c.Get(k)
	assert.False(t, ok)
	c.Delete(k)
	assert.Zero(t, c.Len())
}

func TestCache_DevicesNeverCollide(t *testing.T) {
	c := New[entry](10)
	ctxID := "WEBVIEW_com.example"
	c.Set(Key{"device-1", ctxID}, entry{Process: "one"})
	c.Set(Key{"device-2", ctxID}, entry{Process: "two"})

	a, _ := c.Get(Key{"device-1", ctxID})
	b, _ := c.Get(Key{"device-2", ctxID})
	assert.Equal(t, "one", a.Process)
	assert.Equal(t, "two", b.Process)

	// Network serials contain ':' but the struct key keeps them apart.
	c.Set(Key{"10.0.0.2:5555", "X"}, entry{Process: "net"})
	_, ok := c.Get(Key{"10.0.0.2", "5555:X"})
	assert.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[entry](2)
	a := Key{"d", "A"}
	b := Key{"d", "B"}
	x := Key{"d", "C"}

	c.Set(a, entry{"a"})
	c.Set(b, entry{"b"})

	// Touch A so B becomes the eviction candidate.
	_, ok := c.Get(a)
	require.True(t, ok)

	c.Set(x, entry{"c"})
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get(b)
	assert.False(t, ok, "B should have been evicted")
	_, ok = c.Get(a)
	assert.True(t, ok)
	_, ok = c.Get(x)
	assert.True(t, ok)
}

func TestCache_DefaultCapacity(t *testing.T) {
	c := New[int](0)
	for i := 0; i < DefaultCapacity+5; i++ {
		c.Set(Key{"d", fmt.Sprint(i)}, i)
	}
	assert.Equal(t, DefaultCapacity, c.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int](50)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := Key{"d", fmt.Sprint(i % 4)}
			c.Set(k, i)
			c.Get(k)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, c.Len())
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "emulator-5554:CHROMIUM", Key{"emulator-5554", "CHROMIUM"}.String())
}
