package ranker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/storage/memory"
)

type fakeBrowser struct {
	mu      sync.Mutex
	pages   map[string]rank.Page
	errs    map[string]error
	visits  []string
	resets  int
	flakyOK map[string]int
}

func (b *fakeBrowser) Visit(ctx context.Context, url string) (rank.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return rank.Page{}, err
	}
	b.visits = append(b.visits, url)
	if n, ok := b.flakyOK[url]; ok && n > 0 {
		b.flakyOK[url] = n - 1
		return rank.Page{RequestURL: url, FinalURL: url, StatusCode: 200, HTML: "<p>loading</p>"}, nil
	}
	if err, ok := b.errs[url]; ok {
		return rank.Page{}, err
	}
	page, ok := b.pages[url]
	if !ok {
		return rank.Page{RequestURL: url, FinalURL: url, StatusCode: 404, HTML: "<h1>Not found</h1>"}, nil
	}
	page.RequestURL = url
	if page.FinalURL == "" {
		page.FinalURL = url
	}
	if page.StatusCode == 0 {
		page.StatusCode = 200
	}
	return page, nil
}

func (b *fakeBrowser) Reset(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
	return nil
}

func (b *fakeBrowser) Ping(context.Context) error { return nil }
func (b *fakeBrowser) Close() error               { return nil }

func (b *fakeBrowser) Visits() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.visits...)
}

var (
	longHome    = "<h1>Acme</h1><p>" + strings.Repeat("We build industrial widgets. ", 4) + `</p><a href="/company/about">About</a><a href="/contact">Contact us</a>`
	longAbout   = "<p>Founded in 1970 in Osaka, Acme employs four hundred people.</p>"
	longContact = "<p>Call us at 06-0000-0000 or write to hello@acme.test any weekday.</p>"
)

func decode(t *testing.T, raw json.RawMessage) Payload {
	t.Helper()
	var p Payload
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestExecuteGathersMainAboutAndContact(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: map[string]rank.Page{
		"https://acme.test/":              {HTML: longHome, Title: "Acme Home"},
		"https://acme.test/company/about": {HTML: longAbout},
		"https://acme.test/contact":       {HTML: longContact},
	}}
	blobs := memory.NewBlobStore()
	r := New(nil, blobs, Config{SnapshotPrefix: "/snaps/"}, nil)

	raw, err := r.Execute(context.Background(), browser, "https://acme.test/products/widgets")
	require.NoError(t, err)
	p := decode(t, raw)

	require.Equal(t, "https://acme.test/products/widgets", p.TargetURL)
	require.Equal(t, "https://acme.test/", p.EffectiveURL)
	require.Equal(t, "Acme Home", p.Title)
	require.Equal(t, "https://acme.test/company/about", p.AboutURL)
	require.Equal(t, "https://acme.test/contact", p.ContactURL)
	require.Equal(t, []string{
		"https://acme.test/",
		"https://acme.test/company/about",
		"https://acme.test/company",
		"https://acme.test/contact",
	}, browser.Visits())

	require.True(t, strings.HasPrefix(p.SnapshotURI, "memory://snaps/https:%2F%2Facme.test%2Fproducts%2Fwidgets/"))
	require.True(t, strings.HasSuffix(p.SnapshotURI, ".txt"))
	require.Equal(t, 1, blobs.Len())
	require.Greater(t, p.TextChars, 100)
	require.Len(t, p.Pages, 4)
	require.Equal(t, 404, p.Pages[2].Status)
}

func TestExecuteFallsBackToLinkWhenRootIsThin(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: map[string]rank.Page{
		"https://acme.test/":     {HTML: "<p>Coming soon</p>"},
		"https://acme.test/shop": {HTML: "<p>" + strings.Repeat("Shop for widgets here. ", 4) + "</p>", FinalURL: "http://acme.test/shop"},
	}}
	r := New(nil, nil, Config{MaxPageRetries: 1}, nil)

	raw, err := r.Execute(context.Background(), browser, "https://acme.test/shop")
	require.NoError(t, err)
	p := decode(t, raw)
	require.Equal(t, "http://acme.test/shop", p.EffectiveURL)
	require.Empty(t, p.SnapshotURI)
	require.Empty(t, p.AboutURL)
	require.Equal(t, []string{"https://acme.test/", "https://acme.test/shop"}, browser.Visits())
}

func TestExecuteRetriesThinPages(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{
		pages:   map[string]rank.Page{"https://acme.test/": {HTML: longHome}},
		flakyOK: map[string]int{"https://acme.test/": 1},
	}
	r := New(nil, nil, Config{MaxPageRetries: 3}, nil)

	_, err := r.Execute(context.Background(), browser, "https://acme.test/")
	require.NoError(t, err)
	require.Equal(t, "https://acme.test/", browser.Visits()[0])
	require.Equal(t, "https://acme.test/", browser.Visits()[1])
	require.GreaterOrEqual(t, browser.resets, 2)
}

func TestExecuteUsesFallbackPathsWhenEverythingIsThin(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: map[string]rank.Page{
		"https://acme.test/":        {HTML: "<p>Hi</p>"},
		"https://acme.test/about":   {HTML: longAbout},
		"https://acme.test/contact": {HTML: longContact},
	}}
	r := New(nil, nil, Config{MaxPageRetries: 1}, nil)

	raw, err := r.Execute(context.Background(), browser, "https://acme.test/")
	require.NoError(t, err)
	p := decode(t, raw)
	require.Equal(t, "https://acme.test/about", p.AboutURL)
	require.Equal(t, "https://acme.test/contact", p.ContactURL)
}

func TestExecuteFailsWhenTooLittleText(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: map[string]rank.Page{"https://acme.test/": {HTML: "<p>Hi</p>"}}}
	r := New(nil, nil, Config{MaxPageRetries: 1}, nil)

	_, err := r.Execute(context.Background(), browser, "https://acme.test/")
	require.ErrorIs(t, err, rank.ErrExecutionFailure)
	require.Equal(t, rank.KindExecutionFailure, rank.KindOf(err))
}

func TestExecuteStopsOnBrokenSession(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{errs: map[string]error{
		"https://acme.test/": errors.Join(rank.ErrSessionBroken, errors.New("websocket closed")),
	}}
	r := New(nil, nil, Config{MaxPageRetries: 3}, nil)

	_, err := r.Execute(context.Background(), browser, "https://acme.test/deep/page")
	require.ErrorIs(t, err, rank.ErrSessionBroken)
	require.Len(t, browser.Visits(), 1)
}

func TestExecuteResolverErrors(t *testing.T) {
	t.Parallel()

	r := New(NewStaticResolver(map[string]string{"1": "https://acme.test/"}), nil, Config{}, nil)
	_, err := r.Execute(context.Background(), &fakeBrowser{}, "2")
	require.ErrorIs(t, err, rank.ErrTargetNotFound)

	_, err = New(nil, nil, Config{}, nil).Execute(context.Background(), &fakeBrowser{}, "42")
	require.ErrorIs(t, err, rank.ErrTargetNotFound)
}

func TestExecuteHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(nil, nil, Config{}, nil)
	_, err := r.Execute(ctx, &fakeBrowser{}, "https://acme.test/")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRankerSatisfiesExecutor(t *testing.T) {
	t.Parallel()

	var _ rank.Executor = New(nil, nil, Config{}, nil)
	var _ rank.TargetResolver = URLResolver{}
	var _ rank.TargetResolver = StaticResolver{}
}

type recordingPacer struct {
	mu    sync.Mutex
	waits []string
}

func (p *recordingPacer) Wait(_ context.Context, rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, rawURL)
	return nil
}

func TestExecutePacesEveryVisit(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{pages: map[string]rank.Page{
		"https://acme.test/":              {HTML: longHome},
		"https://acme.test/company/about": {HTML: longAbout},
		"https://acme.test/contact":       {HTML: longContact},
	}}
	pacer := &recordingPacer{}
	r := New(nil, nil, Config{MaxPageRetries: 1, Pacer: pacer}, nil)

	_, err := r.Execute(context.Background(), browser, "https://acme.test/")
	require.NoError(t, err)
	require.Equal(t, browser.Visits(), pacer.waits)
}
