package jar

import (
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
)

func names(cookies []*schemas.Cookie) []string {
	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, c.Name+"="+c.Value)
	}
	return out
}

func TestJarLastWriteWins(t *testing.T) {
	j := New()
	j.Update(&schemas.Cookie{Name: "sid", Value: "1", Domain: "a.test", Path: "/"})
	j.Update(&schemas.Cookie{Name: "sid", Value: "2", Domain: "a.test", Path: "/"})
	j.Update(&schemas.Cookie{Name: "sid", Value: "other-path", Domain: "a.test", Path: "/admin"})

	assert.Equal(t, 2, j.Len())
	assert.Equal(t, []string{"sid=other-path", "sid=2"}, names(j.ForURL("http://a.test/admin/users")))
	assert.Equal(t, []string{"sid=2"}, names(j.ForURL("http://a.test/administrator")))
}

func TestJarDomainMatching(t *testing.T) {
	j := New()
	j.Update(
		&schemas.Cookie{Name: "host", Value: "1", Domain: "example.com"},
		&schemas.Cookie{Name: "wide", Value: "1", Domain: ".example.com"},
		&schemas.Cookie{Name: "suffix", Value: "1", Domain: ".com"},
		&schemas.Cookie{Name: "secure", Value: "1", Domain: "example.com", Secure: true},
	)

	assert.Equal(t, []string{"host=1", "wide=1"}, names(j.ForURL("http://example.com/")))
	assert.Equal(t, []string{"wide=1"}, names(j.ForURL("http://api.example.com/")))
	assert.Empty(t, j.ForURL("http://badexample.com/"))
	assert.Equal(t, []string{"host=1", "secure=1", "wide=1"}, names(j.ForURL("https://example.com/")))
	assert.Equal(t, 3, j.Len(), "public suffix cookies are rejected")
}

func TestJarExpiry(t *testing.T) {
	j := New()
	now := time.Unix(1_700_000_000, 0)
	j.now = func() time.Time { return now }

	j.Update(&schemas.Cookie{Name: "sid", Value: "1", Domain: "a.test", Expires: float64(now.Add(time.Hour).Unix())})
	require.Len(t, j.All(), 1)

	j.Update(&schemas.Cookie{Name: "sid", Value: "", Domain: "a.test", Expires: float64(now.Add(-time.Hour).Unix())})
	assert.Empty(t, j.All(), "an expired write deletes the cookie")
}

func TestJarSetValues(t *testing.T) {
	j := New()
	require.NoError(t, j.SetValues("http://127.0.0.1:8080/start", map[string]string{"myname": "myvalue"}))

	got := j.ForURL("http://127.0.0.1:8080/anything")
	require.Len(t, got, 1)
	assert.Equal(t, "myvalue", got[0].Value)
	assert.Equal(t, "127.0.0.1", got[0].Domain)
	assert.True(t, got[0].Session)

	assert.Error(t, j.SetValues("::bad", map[string]string{"a": "b"}))
}

func TestJarHTTPCookieJar(t *testing.T) {
	j := New()
	u, err := url.Parse("http://shop.example.com/cart")
	require.NoError(t, err)

	j.SetCookies(u, []*http.Cookie{
		{Name: "cart", Value: "3"},
		{Name: "tracking", Value: "x", Domain: "example.com"},
		{Name: "foreign", Value: "x", Domain: "evil.test"},
	})

	sibling, err := url.Parse("http://www.example.com/")
	require.NoError(t, err)

	assert.Len(t, j.Cookies(u), 2)
	got := j.Cookies(sibling)
	require.Len(t, got, 1)
	assert.Equal(t, "tracking", got[0].Name)

	j.SetCookies(u, []*http.Cookie{{Name: "cart", MaxAge: -1}})
	assert.Len(t, j.Cookies(u), 1)
}

func TestJarConcurrentUpdates(t *testing.T) {
	j := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				j.Update(&schemas.Cookie{Name: "c", Value: "v", Domain: "a.test", Path: "/"})
				_ = j.ForURL("http://a.test/")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, j.Len())
}
