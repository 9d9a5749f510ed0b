package request_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/DMarby/imagepipeline/internal/request"
	"github.com/stretchr/testify/require"
)

type fakeProcessor string

func (p fakeProcessor) Identifier() string { return string(p) }

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestNewDefaults(t *testing.T) {
	r := request.New(mustURL(t, "https://example.com/a.jpg"))
	require.Equal(t, "GET", r.Method())
	require.Equal(t, request.PriorityNormal, r.Priority())
	require.Empty(t, r.Processors())
}

func TestWithersAreCopyOnWriteAndDontMutateOriginal(t *testing.T) {
	r1 := request.New(mustURL(t, "https://example.com/a.jpg"))
	r2 := r1.WithPriority(request.PriorityHigh)

	require.Equal(t, request.PriorityNormal, r1.Priority())
	require.Equal(t, request.PriorityHigh, r2.Priority())

	r3 := r2.WithProcessors(fakeProcessor("resize:100x100"))
	require.Empty(t, r2.Processors())
	require.Len(t, r3.Processors(), 1)
}

func TestMemoryCacheKeyIncludesProcessors(t *testing.T) {
	base := request.New(mustURL(t, "https://example.com/a.jpg"))
	withProcessors := base.WithProcessors(fakeProcessor("resize:100x100"))

	require.NotEqual(t, base.MemoryCacheKey(), withProcessors.MemoryCacheKey())
	require.Equal(t, withProcessors.MemoryCacheKey(), withProcessors.ProcessedImageLoadKey())
}

func TestOriginalImageLoadKeyIgnoresProcessorsButNotNetworkOptions(t *testing.T) {
	base := request.New(mustURL(t, "https://example.com/a.jpg"))
	withProcessors := base.WithProcessors(fakeProcessor("resize:100x100"))

	require.Equal(t, base.OriginalImageLoadKey(), withProcessors.OriginalImageLoadKey())

	withNetwork := base.WithNetworkOptions("GET", request.CachePolicyReloadIgnoringCache, true, 5*time.Second)
	require.NotEqual(t, base.OriginalImageLoadKey(), withNetwork.OriginalImageLoadKey())
}

func TestFilteredImageIDOverridesCacheKeyIdentity(t *testing.T) {
	a := request.New(mustURL(t, "https://example.com/a.jpg?cachebust=1")).
		WithOptions(request.Options{FilteredImageID: "shared-id"})
	b := request.New(mustURL(t, "https://example.com/a.jpg?cachebust=2")).
		WithOptions(request.Options{FilteredImageID: "shared-id"})

	require.Equal(t, a.MemoryCacheKey(), b.MemoryCacheKey())
	require.Equal(t, a.DiskCacheKey(false), b.DiskCacheKey(false))
}

func TestDiskCacheKeyWithAndWithoutProcessors(t *testing.T) {
	r := request.New(mustURL(t, "https://example.com/a.jpg")).WithProcessors(fakeProcessor("resize:1x1"))
	require.NotEqual(t, r.DiskCacheKey(false), r.DiskCacheKey(true))
}

func TestCopySharesUntilMutated(t *testing.T) {
	r1 := request.New(mustURL(t, "https://example.com/a.jpg"))
	r2 := r1.Copy()

	require.Equal(t, r1.MemoryCacheKey(), r2.MemoryCacheKey())

	r3 := r2.WithPriority(request.PriorityVeryHigh)
	require.Equal(t, request.PriorityNormal, r1.Priority())
	require.Equal(t, request.PriorityNormal, r2.Priority())
	require.Equal(t, request.PriorityVeryHigh, r3.Priority())
}

func TestWithUserInfoDoesNotLeakBetweenCopies(t *testing.T) {
	r1 := request.New(mustURL(t, "https://example.com/a.jpg")).WithUserInfo("k", "v1")
	r2 := r1.Copy().WithUserInfo("k", "v2")

	v1, _ := r1.UserInfo("k")
	v2, _ := r2.UserInfo("k")
	require.Equal(t, "v1", v1)
	require.Equal(t, "v2", v2)
}

func TestDefaultFilenameGeneratorIsDeterministicAndCollisionResistant(t *testing.T) {
	a := request.DefaultFilenameGenerator("https://example.com/a.jpg")
	b := request.DefaultFilenameGenerator("https://example.com/a.jpg")
	c := request.DefaultFilenameGenerator("https://example.com/b.jpg")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 40) // hex-encoded SHA-1
}
