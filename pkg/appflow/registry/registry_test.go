package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := New[string, int]()
	assert.Equal(t, 0, r.Len())

	r.Register("one", 1)
	r.Register("two", 2)
	r.Register("two", 22)

	v, ok := r.Get("two")
	assert.True(t, ok)
	assert.Equal(t, 22, v)

	v, ok = r.Get("three")
	assert.False(t, ok)
	assert.Equal(t, 0, v)
	assert.True(t, r.Has("one"))
	assert.Equal(t, 2, r.Len())
}

func TestAdd_Duplicate(t *testing.T) {
	r := New[string, string]()
	require.NoError(t, r.Add("mobile", "first"))

	err := r.Add("mobile", "second")
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "mobile")
	assert.Equal(t, "first", r.MustGet("mobile"))
}

func TestMustGet_Panics(t *testing.T) {
	r := New[string, int]()
	assert.PanicsWithValue(t, "registry: missing not registered", func() {
		r.MustGet("missing")
	})
}

func TestDelete(t *testing.T) {
	r := New[string, int]()
	r.Register("a", 1)
	r.Delete("a")
	r.Delete("never")
	assert.False(t, r.Has("a"))
}

func TestOrdering(t *testing.T) {
	r := New[string, int]()
	for _, k := range []string{"prd", "mobile", "android", "zeta"} {
		r.Register(k, len(k))
	}

	assert.Equal(t, []string{"android", "mobile", "prd", "zeta"}, r.Keys())
	assert.Equal(t, []int{7, 6, 3, 4}, r.Values())

	var seen []string
	r.Range(func(k string, _ int) bool {
		seen = append(seen, k)
		return len(seen) < 2
	})
	assert.Equal(t, []string{"android", "mobile"}, seen)
}

func TestRange_MutationSafe(t *testing.T) {
	r := New[int, int]()
	for i := 0; i < 5; i++ {
		r.Register(i, i)
	}

	count := 0
	r.Range(func(k, _ int) bool {
		r.Delete(k)
		r.Register(k+100, k)
		count++
		return true
	})

	assert.Equal(t, 5, count)
	assert.Equal(t, 5, r.Len())
}

func TestConcurrentAccess(t *testing.T) {
	r := New[string, int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(fmt.Sprintf("k%d", i), i)
		}()
		go func() {
			defer wg.Done()
			_ = r.Keys()
			_, _ = r.Get("k0")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}
