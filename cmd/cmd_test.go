package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankgrid/internal/app"
	"github.com/JakeFAU/rankgrid/internal/config"
	"github.com/JakeFAU/rankgrid/internal/rank"
	"github.com/JakeFAU/rankgrid/internal/session"
)

type stubBrowser struct{}

func (stubBrowser) Visit(context.Context, string) (rank.Page, error) { return rank.Page{}, nil }
func (stubBrowser) Reset(context.Context) error                      { return nil }
func (stubBrowser) Ping(context.Context) error                       { return nil }
func (stubBrowser) Close() error                                     { return nil }

func useStubApp(t *testing.T) {
	t.Helper()
	factory := session.FactoryFunc(func(context.Context, int) (rank.Browser, error) {
		return stubBrowser{}, nil
	})
	executor := rank.ExecutorFunc(func(_ context.Context, _ rank.Browser, id rank.ItemID) (json.RawMessage, error) {
		if id == "broken" {
			return nil, fmt.Errorf("render %s: %w", id, rank.ErrExecutionFailure)
		}
		return json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)), nil
	})
	prev := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		cfg.Pool.Capacity = 2
		return app.Build(ctx, cfg, logger, app.WithSessionFactory(factory), app.WithExecutor(executor))
	}
	t.Cleanup(func() { newApp = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestRunCommandWritesOneLinePerItem(t *testing.T) {
	useStubApp(t)

	out, err := execute(t, "run", "--ids", "a,broken,c", "--per-item-timeout", "5s")
	require.NoError(t, err)

	got := map[rank.ItemID]rank.Result{}
	scanner := bufio.NewScanner(bytes.NewBufferString(out))
	for scanner.Scan() {
		var res rank.Result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &res))
		_, dup := got[res.ItemID]
		require.False(t, dup, "item %s reported twice", res.ItemID)
		got[res.ItemID] = res
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 3)
	require.Equal(t, rank.OutcomeSucceeded, got["a"].Outcome)
	require.JSONEq(t, `{"id":"c"}`, string(got["c"].Payload))
	require.Equal(t, rank.OutcomeFailed, got["broken"].Outcome)
	require.Equal(t, rank.KindExecutionFailure, got["broken"].Kind)
}

func TestRunCommandRejectsDuplicateIDs(t *testing.T) {
	useStubApp(t)

	_, err := execute(t, "run", "--ids", "a,a")
	require.ErrorContains(t, err, "submit batch")
}

func TestRunCommandRequiresIDs(t *testing.T) {
	useStubApp(t)

	_, err := execute(t, "run")
	require.ErrorContains(t, err, "ids")
}

func TestRootFailsOnMissingConfig(t *testing.T) {
	useStubApp(t)

	_, err := execute(t, "run", "--ids", "a", "--config", t.TempDir()+"/missing.yaml")
	require.ErrorContains(t, err, "load config")
}

func TestParseItemIDs(t *testing.T) {
	t.Parallel()

	ids, err := parseItemIDs([]string{" 1", "2 "})
	require.NoError(t, err)
	require.Equal(t, []rank.ItemID{"1", "2"}, ids)

	_, err = parseItemIDs([]string{"1", " "})
	require.ErrorContains(t, err, "empty id")

	_, err = parseItemIDs(nil)
	require.Error(t, err)
}

func TestWriteResults(t *testing.T) {
	t.Parallel()

	results := make(chan rank.Result, 2)
	results <- rank.Success("1", json.RawMessage(`{"rank":3}`))
	results <- rank.Failure("2", rank.ErrExecutionTimeout)
	close(results)

	var buf bytes.Buffer
	require.NoError(t, writeResults(&buf, results))
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	require.Contains(t, string(lines[0]), `"item_id":"1"`)
	require.Contains(t, string(lines[1]), `"outcome":"timed_out"`)
}
