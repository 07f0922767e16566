package ranker

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html><head><title>Acme</title><style>body{color:red}</style></head>
<body>
  <nav><a href="/about-us">About us</a> <a href="https://www.acme.test/contact#form">Contact</a></nav>
  <script>var hidden = "nope";</script>
  <h1>Acme   Widgets</h1>
  <p>We make<b>widgets</b>.</p>
  <div style="DISPLAY: none">secret</div>
  <span style="visibility:hidden">ghost</span>
  <!-- a comment -->
  <form action="/inquiry"><input value="x"><button>Send</button></form>
  <a href="https://other.test/about">Partner</a>
  <a href="mailto:hi@acme.test">Mail</a>
  <div data-url="/company/profile">Profile</div>
  <a href="#top">Top</a>
</body></html>`

func TestExtract(t *testing.T) {
	t.Parallel()

	text, links, err := Extract("https://acme.test/products/widgets", samplePage)
	require.NoError(t, err)
	require.Equal(t, "About us Contact Acme Widgets We make widgets . Partner Mail Profile Top", text)

	urls := make([]string, len(links))
	for i, l := range links {
		urls[i] = l.URL
	}
	require.Equal(t, []string{
		"https://acme.test/about-us",
		"https://www.acme.test/contact",
		"https://acme.test/inquiry",
		"https://acme.test/company/profile",
	}, urls)
	require.Equal(t, "About us", links[0].Text)
}

func TestVisibleTextWithoutBody(t *testing.T) {
	t.Parallel()

	text, err := VisibleText("plain <em>text</em>")
	require.NoError(t, err)
	require.Equal(t, "plain text", text)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "HTTPS://Example.COM:443/a?b=2&a=1#frag", want: "https://example.com/a?a=1&b=2"},
		{in: "http://example.com:80/", want: "http://example.com/"},
		{in: "  https://example.com  ", want: "https://example.com"},
		{in: "ftp://example.com/", wantErr: true},
		{in: "/relative", wantErr: true},
		{in: "42", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCandidates(t *testing.T) {
	t.Parallel()

	got, err := Candidates("https://acme.test/products/widgets/blue")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://acme.test/",
		"https://acme.test/products/widgets/blue",
		"https://acme.test/products/widgets/",
	}, got)

	got, err = Candidates("https://acme.test/")
	require.NoError(t, err)
	require.Equal(t, []string{"https://acme.test/"}, got)

	got, err = Candidates("https://acme.test/news")
	require.NoError(t, err)
	require.Equal(t, []string{"https://acme.test/", "https://acme.test/news"}, got)

	_, err = Candidates("not a url")
	require.Error(t, err)
}

func TestParentURL(t *testing.T) {
	t.Parallel()

	u, _ := url.Parse("https://acme.test/a/b/?q=1")
	require.Equal(t, "https://acme.test/a/", parentURL(u))
	u, _ = url.Parse("https://acme.test/a")
	require.Empty(t, parentURL(u))
}

func TestPickLinkAndFallbacks(t *testing.T) {
	t.Parallel()

	links := []Link{
		{URL: "https://acme.test/", Text: "Home"},
		{URL: "https://acme.test/news", Text: "News"},
		{URL: "https://acme.test/x", Text: "Company profile"},
		{URL: "https://acme.test/inquiry", Text: "Write us"},
	}
	require.Equal(t, "https://acme.test/x", pickLink(links, aboutKeywords))
	require.Equal(t, "https://acme.test/inquiry", pickLink(links, contactKeywords))
	require.Empty(t, pickLink(links, contactKeywords, "https://acme.test/inquiry"))

	withFb := withFallbacks(links[:1], "https://acme.test/")
	require.Len(t, withFb, 1+len(fallbackPaths))
	require.Equal(t, "https://acme.test/about", withFb[1].URL)
	require.Equal(t, "https://acme.test/about", pickLink(withFb, aboutKeywords))
	require.Equal(t, "https://acme.test/contact", pickLink(withFb, contactKeywords))
}
