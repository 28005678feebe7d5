package preview

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/config"
)

func TestFirstUrl(t *testing.T) {
	assert.Equal(t, "https://example.com/a", FirstUrl("see https://example.com/a and http://example.com/b"))
	assert.Equal(t, "", FirstUrl("no links here"))
	assert.Equal(t, "http://example.com/p?q=1", FirstUrl("go to http://example.com/p?q=1 now"))
}

func TestParse(t *testing.T) {
	doc := `<html><head>
		<title>  A &amp; B
		page </title>
		<meta property="og:image" content="https://example.com/i.png">
		<meta name="og:description" content="the description">
		<meta property="og:site_name" content="Example">
	</head></html>`
	p := Parse("https://example.com", doc)
	require.NotNil(t, p)
	assert.Equal(t, "A & B page", p.Title)
	assert.Equal(t, "https://example.com/i.png", p.Image)
	assert.Equal(t, "the description", p.Description)
	assert.Equal(t, "Example", p.SiteName)

	assert.Nil(t, Parse("https://example.com", "<html><body>no title</body></html>"))
}

func TestParseOgTitleOverrides(t *testing.T) {
	doc := `<title>plain</title><meta property="og:title" content="og wins">`
	p := Parse("u", doc)
	require.NotNil(t, p)
	assert.Equal(t, "og wins", p.Title)
}

func TestFetchCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<title>hello</title>"))
	}))
	defer srv.Close()

	f, err := NewFetcher(&config.Config{})
	require.NoError(t, err)

	text := "look at " + srv.URL
	p := f.Fetch(context.Background(), text)
	require.NotNil(t, p)
	assert.Equal(t, "hello", p.Title)

	p = f.Fetch(context.Background(), text)
	require.NotNil(t, p)
	assert.Equal(t, "hello", p.Title)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// failures are cached too
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv2.Close()
	assert.Nil(t, f.Fetch(context.Background(), srv2.URL))
	assert.Nil(t, f.Fetch(context.Background(), srv2.URL))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	assert.Nil(t, f.Fetch(context.Background(), "no url in here"))
}
