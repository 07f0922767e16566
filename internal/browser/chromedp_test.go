package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

func TestNewFactoryDefaults(t *testing.T) {
	t.Parallel()

	f := NewFactory(Config{SettleDelay: -time.Second}, nil)
	require.Equal(t, defaultNavTimeout, f.cfg.NavigationTimeout)
	require.Equal(t, defaultStartTimeout, f.cfg.StartTimeout)
	require.Zero(t, f.cfg.SettleDelay)

	f = NewFactory(Config{NavigationTimeout: time.Second, StartTimeout: 2 * time.Second}, nil)
	require.Equal(t, time.Second, f.cfg.NavigationTimeout)
	require.Equal(t, 2*time.Second, f.cfg.StartTimeout)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := NewFactory(Config{Headless: true}, nil).allocatorOptions()
	full := NewFactory(Config{Headless: true, ExecPath: "/usr/bin/chromium", UserAgent: "rankgrid/1.0"}, nil).allocatorOptions()
	require.Len(t, full, len(base)+2)
}

func TestClassifyStartError(t *testing.T) {
	t.Parallel()

	err := classifyStartError(errors.New("websocket: bad handshake: 504 Gateway Timeout"))
	require.ErrorIs(t, err, rank.ErrGridOverloaded)

	err = classifyStartError(errors.New("exec: chrome not found"))
	require.NotErrorIs(t, err, rank.ErrGridOverloaded)
	require.Contains(t, err.Error(), "start browser")
}

func TestResponseMetaKeepsLastDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 301, URL: "https://example.com/"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://example.com/app.js"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "http://example.com/"},
	})
	meta.captureEvent("not an event")

	status, url := meta.snapshot()
	require.Equal(t, 200, status)
	require.Equal(t, "http://example.com/", url)

	meta.reset()
	status, url = meta.snapshot()
	require.Zero(t, status)
	require.Empty(t, url)
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child context was not canceled")
	}
}

func TestForwardCancelStop(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	stop()
	cancelParent()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, child.Err())
}
