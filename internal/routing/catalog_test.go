package routing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notiflow/pkg/logx"
)

func sev(v string) Condition { return Condition{Field: FieldSeverity, Operator: OpEquals, Value: v} }

func TestMatchFiltersAndOrders(t *testing.T) {
	routes := []Route{
		{ID: "c", IsActive: true, Priority: 5},
		{ID: "inactive", IsActive: false, Priority: 0},
		{ID: "a", IsActive: true, Priority: 1, Conditions: []Condition{sev("error")}},
		{ID: "b", IsActive: true, Priority: 5},
		{ID: "nomatch", IsActive: true, Priority: 0, Conditions: []Condition{sev("info")}},
	}
	c := NewCatalog(logx.Nop())
	require.NoError(t, c.Replace(routes))

	got := Match(Event{ID: "e", Severity: "error"}, c.Snapshot())
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	// Ties keep catalog order: c before b.
	assert.Equal(t, []string{"a", "c", "b"}, ids)
	assert.Nil(t, Match(Event{}, nil))
}

func TestCatalogValidation(t *testing.T) {
	c := NewCatalog(logx.Nop())

	err := c.Replace([]Route{{ID: "x"}, {ID: "x"}})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	err = c.Replace([]Route{{ID: ""}})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	broken := Route{ID: "esc", IsActive: true, Escalation: &EscalationPolicy{
		Levels: []EscalationLevel{{TimeoutMinutes: 0}},
	}}
	require.NoError(t, c.Replace([]Route{broken}), "lenient catalog keeps incomplete escalation")
	assert.Equal(t, 1, c.Snapshot().Len())

	c.SetStrict(true)
	assert.ErrorIs(t, c.Replace([]Route{broken}), ErrInvalidRoute)
	assert.Equal(t, uint64(1), c.Snapshot().Version(), "failed replace must not swap")
}

func TestCatalogUpsertRemoveCopyOnWrite(t *testing.T) {
	c := NewCatalog(logx.Nop())
	require.NoError(t, c.Replace([]Route{{ID: "a", Name: "first"}}))
	before := c.Snapshot()

	require.NoError(t, c.Upsert(Route{ID: "a", Name: "second"}))
	require.NoError(t, c.Upsert(Route{ID: "b"}))

	r, ok := before.Route("a")
	require.True(t, ok)
	assert.Equal(t, "first", r.Name, "old snapshot must stay unchanged")

	r, _ = c.Route("a")
	assert.Equal(t, "second", r.Name)
	assert.Equal(t, 2, c.Snapshot().Len())

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	_, ok = c.Route("a")
	assert.False(t, ok)
}

func TestCatalogConcurrentReadsSeeConsistentSnapshots(t *testing.T) {
	c := NewCatalog(logx.Nop())
	setA := []Route{{ID: "a1", IsActive: true}, {ID: "a2", IsActive: true}}
	setB := []Route{{ID: "b1", IsActive: true}, {ID: "b2", IsActive: true}, {ID: "b3", IsActive: true}}
	require.NoError(t, c.Replace(setA))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				_ = c.Replace(setB)
			} else {
				_ = c.Replace(setA)
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		got := Match(Event{}, c.Snapshot())
		if len(got) != 2 && len(got) != 3 {
			t.Fatalf("torn snapshot: %d routes", len(got))
		}
		prefix := got[0].ID[0]
		for _, r := range got {
			if r.ID[0] != prefix {
				t.Fatalf("mixed snapshot: %v", got)
			}
		}
	}
}

const yamlCatalog = `
routes:
  - id: critical
    name: Critical system errors
    isActive: true
    priority: 1
    conditions:
      - field: severity
        operator: equals
        value: error
      - field: type
        operator: equals
        value: system
    actions:
      - type: email
        config:
          recipients: ["role:oncall"]
    escalation:
      maxLevel: 5
      levels:
        - recipients: ["user:lead"]
          timeoutMinutes: 5
          actions:
            - type: sms
`

func TestCatalogLoadFileYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(p, []byte(yamlCatalog), 0o644))

	c := NewCatalog(logx.Nop())
	require.NoError(t, c.LoadFile(p))
	r, ok := c.Route("critical")
	require.True(t, ok)
	assert.Len(t, r.Conditions, 2)
	assert.Equal(t, ActionEmail, r.Actions[0].Type)
	require.True(t, r.HasEscalation())
	assert.Equal(t, 5*time.Minute, r.Escalation.Levels[0].Timeout())
	assert.Equal(t, p, c.Path())

	jp := filepath.Join(dir, "routes.json")
	require.NoError(t, os.WriteFile(jp, []byte(`[{"id":"j","isActive":true,"priority":2}]`), 0o644))
	require.NoError(t, c.LoadFile(jp))
	_, ok = c.Route("j")
	assert.True(t, ok)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"routes":[{"id":"j","colour":"red"}]}`), 0o644))
	assert.Error(t, c.LoadFile(bad))
	_, ok = c.Route("j")
	assert.True(t, ok, "previous snapshot kept after bad file")
}

func TestCatalogWatchKeepsPreviousOnBadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "routes.json")
	require.NoError(t, os.WriteFile(p, []byte(`[{"id":"v1","isActive":true}]`), 0o644))

	c := NewCatalog(logx.Nop())
	require.NoError(t, c.LoadFile(p))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`[{"id":`), 0o644))
	time.Sleep(600 * time.Millisecond)
	_, ok := c.Route("v1")
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(p, []byte(`[{"id":"v2","isActive":true}]`), 0o644))
	assert.Eventually(t, func() bool {
		_, ok := c.Route("v2")
		return ok
	}, 3*time.Second, 50*time.Millisecond)
}

func TestCatalogWatchWithoutPath(t *testing.T) {
	c := NewCatalog(logx.Nop())
	err := c.Watch(context.Background())
	assert.True(t, errors.Is(err, ErrNoPath))
}
