// Package ranker gathers the text a site shows about itself, one browser
// session at a time, and ranks the site from it. It is the executor the
// dispatcher runs for every item: resolve the item to a page, find a candidate
// that renders real text, follow the site's about and contact pages, snapshot
// what was read and score the signals found there.
package ranker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/hash/sha256"
	"github.com/JakeFAU/rankgrid/internal/rank"
)

// Config tunes page fetching.
type Config struct {
	// MaxPageRetries is the number of visits per page. Defaults to 2.
	MaxPageRetries int
	// MinContentLength is the visible-text floor, in characters. Defaults to 50.
	MinContentLength int
	// RetryBackoff is the pause between visits of the same page.
	RetryBackoff time.Duration
	// SnapshotPrefix prefixes blob paths. Defaults to "snapshots".
	SnapshotPrefix string
	// Pacer, when set, is waited on before every visit.
	Pacer Pacer
	// Scorer ranks each site. Defaults to a WeightedScorer on DefaultScoreConfig.
	Scorer Scorer
	// Volumes, when set, supplies search volume for the target's keywords.
	Volumes VolumeSource
}

// Pacer spaces out visits to the same site.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

func (c Config) withDefaults() Config {
	if c.MaxPageRetries <= 0 {
		c.MaxPageRetries = 2
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = 50
	}
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "snapshots"
	}
	c.SnapshotPrefix = strings.Trim(c.SnapshotPrefix, "/")
	if c.Scorer == nil {
		c.Scorer = NewWeightedScorer(DefaultScoreConfig())
	}
	return c
}

// Payload is the JSON document a successful item produces.
type Payload struct {
	TargetURL    string     `json:"target_url"`
	EffectiveURL string     `json:"effective_url"`
	Title        string     `json:"title,omitempty"`
	AboutURL     string     `json:"about_url,omitempty"`
	ContactURL   string     `json:"contact_url,omitempty"`
	TextChars    int        `json:"text_chars"`
	SnapshotURI  string     `json:"snapshot_uri,omitempty"`
	Pages        []PageInfo `json:"pages"`

	Rank          string   `json:"rank"`
	TotalWeight   float64  `json:"total_weight"`
	Score         Score    `json:"score"`
	ServicePrice  int      `json:"service_price"`
	Keywords      []string `json:"keywords,omitempty"`
	ServiceVolume int      `json:"service_volume"`
	SiteSize      int      `json:"site_size"`
	Emails        []string `json:"emails,omitempty"`
	Phones        []string `json:"phones,omitempty"`
}

// PageInfo records one page visit.
type PageInfo struct {
	URL       string `json:"url"`
	FinalURL  string `json:"final_url,omitempty"`
	Status    int    `json:"status,omitempty"`
	TextChars int    `json:"text_chars"`
	Error     string `json:"error,omitempty"`
}

// Ranker implements rank.Executor.
type Ranker struct {
	resolver rank.TargetResolver
	blobs    rank.BlobStore
	hasher   *sha256.Hasher
	cfg      Config
	logger   *zap.Logger
}

// New builds a Ranker. A nil resolver treats item IDs as URLs; a nil blob
// store skips snapshots.
func New(resolver rank.TargetResolver, blobs rank.BlobStore, cfg Config, logger *zap.Logger) *Ranker {
	if resolver == nil {
		resolver = URLResolver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		resolver: resolver,
		blobs:    blobs,
		hasher:   sha256.New(),
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

type fetched struct {
	page  rank.Page
	text  string
	links []Link
	ok    bool
}

// Execute gathers text for id on browser.
func (r *Ranker) Execute(ctx context.Context, browser rank.Browser, id rank.ItemID) (json.RawMessage, error) {
	target, err := r.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	candidates, err := Candidates(target.URL)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", id, err)
	}
	logger := r.logger.With(zap.String("item_id", string(id)), zap.String("url", target.URL))

	payload := Payload{TargetURL: target.URL, Title: target.Title}
	var main fetched
	mainURL := ""
	for _, candidate := range candidates {
		f, err := r.fetch(ctx, browser, candidate)
		payload.Pages = append(payload.Pages, r.pageInfo(candidate, f, err))
		if err != nil && fatal(ctx, err) {
			return nil, err
		}
		if err == nil {
			main, mainURL = f, candidate
			break
		}
		if f.ok && textLen(f.text) > textLen(main.text) {
			main = f
		}
		logger.Debug("candidate too thin", zap.String("candidate", candidate), zap.Error(err))
	}

	links := main.links
	if mainURL == "" {
		mainURL = candidates[0]
		links = withFallbacks(links, rootOf(mainURL))
		logger.Warn("main page too thin, trying fallback paths")
	}
	payload.EffectiveURL = main.page.FinalURL
	if payload.EffectiveURL == "" {
		payload.EffectiveURL = mainURL
	}
	if payload.Title == "" {
		payload.Title = main.page.Title
	}
	if strings.HasPrefix(mainURL, "https://") && strings.HasPrefix(payload.EffectiveURL, "http://") {
		logger.Info("protocol downgraded", zap.String("effective_url", payload.EffectiveURL))
	}

	payload.AboutURL = pickLink(links, aboutKeywords, mainURL, payload.EffectiveURL)
	payload.ContactURL = pickLink(links, contactKeywords, mainURL, payload.EffectiveURL, payload.AboutURL)

	var texts []string
	if main.text != "" {
		texts = append(texts, main.text)
	}
	siteLinks := make(map[string]bool)
	for _, l := range main.links {
		siteLinks[l.URL] = true
	}
	visited := map[string]bool{mainURL: true, payload.EffectiveURL: true}
	for _, extra := range r.extraPages(mainURL, payload.AboutURL, payload.ContactURL) {
		if visited[extra] {
			continue
		}
		visited[extra] = true
		f, err := r.fetch(ctx, browser, extra)
		payload.Pages = append(payload.Pages, r.pageInfo(extra, f, err))
		if err != nil && fatal(ctx, err) {
			return nil, err
		}
		if f.text != "" {
			texts = append(texts, f.text)
		}
		for _, l := range f.links {
			siteLinks[l.URL] = true
		}
	}

	gathered := strings.Join(texts, "\n")
	payload.TextChars = textLen(gathered)
	if payload.TextChars < r.cfg.MinContentLength {
		return nil, fmt.Errorf("%w: gathered %d chars from %s, need %d",
			rank.ErrExecutionFailure, payload.TextChars, target.URL, r.cfg.MinContentLength)
	}

	if r.blobs != nil {
		path := fmt.Sprintf("%s/%s/%s", r.cfg.SnapshotPrefix, url.PathEscape(string(id)), r.hasher.Name([]byte(gathered), "txt"))
		uri, err := r.blobs.PutObject(ctx, path, "text/plain; charset=utf-8", []byte(gathered))
		if err != nil {
			return nil, fmt.Errorf("store snapshot: %w", err)
		}
		payload.SnapshotURI = uri
	}

	if err := r.score(ctx, &payload, gathered, len(siteLinks)); err != nil {
		return nil, err
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	logger.Debug("item ranked",
		zap.String("rank", payload.Rank),
		zap.Float64("total_weight", payload.TotalWeight),
		zap.Int("text_chars", payload.TextChars),
		zap.String("about_url", payload.AboutURL),
		zap.String("contact_url", payload.ContactURL),
	)
	return out, nil
}

// score fills the payload's signals and rank. Site size counts the distinct
// same-site links seen on the visited pages.
func (r *Ranker) score(ctx context.Context, payload *Payload, text string, siteSize int) error {
	sig := Signals{PriceYen: PriceYen(text), SiteSize: siteSize}
	if payload.Title != "" {
		sig.Keywords = []string{payload.Title}
	}
	if r.cfg.Volumes != nil && len(sig.Keywords) > 0 {
		volume, err := r.cfg.Volumes.SearchVolume(ctx, sig.Keywords)
		switch {
		case err == nil:
			sig.SearchVolume = volume
		case fatal(ctx, err):
			return err
		default:
			r.logger.Warn("search volume lookup failed", zap.Strings("keywords", sig.Keywords), zap.Error(err))
		}
	}
	sc := r.cfg.Scorer.Score(sig)
	payload.Score = sc
	payload.Rank = sc.Rank
	payload.TotalWeight = sc.TotalWeight
	payload.ServicePrice = sig.PriceYen
	payload.Keywords = sig.Keywords
	payload.ServiceVolume = sig.SearchVolume
	payload.SiteSize = sig.SiteSize
	payload.Emails, payload.Phones = Contacts(text)
	return nil
}

// extraPages lists the about page, the site's /company page as a second
// about candidate, and the contact page.
func (r *Ranker) extraPages(mainURL, about, contact string) []string {
	var out []string
	if about != "" {
		out = append(out, about)
		if company := rootOf(mainURL) + "company"; company != about {
			out = append(out, company)
		}
	}
	if contact != "" {
		out = append(out, contact)
	}
	return out
}

// fetch visits target up to MaxPageRetries times, resetting the session before
// each visit. It returns the richest attempt and an error unless that attempt
// reached MinContentLength.
func (r *Ranker) fetch(ctx context.Context, browser rank.Browser, target string) (fetched, error) {
	var best fetched
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxPageRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, r.cfg.RetryBackoff); err != nil {
				return best, err
			}
		}
		if err := browser.Reset(ctx); err != nil {
			if fatal(ctx, err) {
				return best, err
			}
			r.logger.Debug("reset session", zap.Error(err))
		}

		if r.cfg.Pacer != nil {
			if err := r.cfg.Pacer.Wait(ctx, target); err != nil {
				return best, err
			}
		}
		page, err := browser.Visit(ctx, target)
		if err != nil {
			if fatal(ctx, err) {
				return best, err
			}
			lastErr = err
			continue
		}
		if page.StatusCode >= 400 {
			if !best.ok {
				best.page = page
			}
			lastErr = fmt.Errorf("visit %s: status %d", target, page.StatusCode)
			if page.StatusCode < 500 {
				return best, lastErr
			}
			continue
		}

		base := page.FinalURL
		if base == "" {
			base = target
		}
		text, links, err := Extract(base, page.HTML)
		if err != nil {
			lastErr = err
			continue
		}
		if !best.ok || textLen(text) >= textLen(best.text) {
			best = fetched{page: page, text: text, links: links, ok: true}
		}
		if textLen(text) >= r.cfg.MinContentLength {
			return best, nil
		}
		lastErr = fmt.Errorf("visit %s: %d chars of visible text", target, textLen(text))
	}
	return best, lastErr
}

func (r *Ranker) pageInfo(target string, f fetched, err error) PageInfo {
	info := PageInfo{
		URL:       target,
		FinalURL:  f.page.FinalURL,
		Status:    f.page.StatusCode,
		TextChars: textLen(f.text),
	}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}

// fatal reports errors that end the item: the session is gone or time is up.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, rank.ErrSessionBroken)
}

func textLen(s string) int {
	return utf8.RuneCountInString(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
