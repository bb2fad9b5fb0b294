package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/ondemandenv/user-pool/internal/storage"
	"github.com/ondemandenv/user-pool/pkg/common"

	"github.com/tidwall/gjson"
)

type recordingSigner struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *recordingSigner) SignRequest(ctx context.Context, req *http.Request, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	req.Header.Set("Authorization", "AWS4-HMAC-SHA256 test")
	return nil
}

func TestAppSync_QueryBuildsFollowsNextToken(t *testing.T) {
	var mu sync.Mutex
	var variables []gjson.Result
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		vars := gjson.GetBytes(body, "variables")
		mu.Lock()
		variables = append(variables, vars)
		mu.Unlock()

		if vars.Get("pagination.nextToken").String() == "" {
			fmt.Fprint(w, `{"data":{"listEntitiesWithFilter":{"items":[{"id":"BuildA","content":"{\"repo\":{}}"}],"nextToken":"t1"}}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"listEntitiesWithFilter":{"items":[{"id":"BuildB","content":null}],"nextToken":null}}}`)
	}))
	defer srv.Close()

	signer := &recordingSigner{}
	src := NewAppSync(srv.URL, signer, AppSyncOptions{})
	got, err := src.QueryBuilds(context.Background(), []string{"BuildA", "BuildB"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "BuildA" || got[1].ID != "BuildB" {
		t.Fatalf("unexpected entities %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(variables) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(variables))
	}
	if f := variables[0].Get("filter").String(); f != `["BuildA","BuildB"]` {
		t.Fatalf("unexpected filter %q", f)
	}
	if l := variables[0].Get("pagination.limit").Int(); l != 1000 {
		t.Fatalf("expected limit 1000, got %d", l)
	}
	if tok := variables[1].Get("pagination.nextToken").String(); tok != "t1" {
		t.Fatalf("expected nextToken t1, got %q", tok)
	}
	if len(signer.payloads) != 2 {
		t.Fatalf("every page must be signed, got %d", len(signer.payloads))
	}

	var content common.BuildContent
	if err := got[0].DecodeContent(&content); err != nil {
		t.Fatalf("string content must decode: %v", err)
	}
}

func TestAppSync_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int
		graphql   bool
	}{
		{"graphql errors", 200, `{"data":null,"errors":[{"message":"Unauthorized"}]}`, 3, true},
		{"server error", 500, `oops`, 3, false},
		{"invalid json", 200, `{`, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				calls++
				mu.Unlock()
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewAppSync(srv.URL, nil, AppSyncOptions{}).QueryBuilds(context.Background(), []string{"B"})
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrGraphQL) != tt.graphql {
				t.Fatalf("unexpected error kind: %v", err)
			}
			mu.Lock()
			defer mu.Unlock()
			if calls != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestAppSync_EmptyIDsSkipsRequest(t *testing.T) {
	src := NewAppSync("http://127.0.0.1:1", nil, AppSyncOptions{})
	got, err := src.QueryBuilds(context.Background(), nil)
	if err != nil || got != nil {
		t.Fatalf("expected no request, got %v %v", got, err)
	}
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func (m *memStore) GetFile(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return b, nil
}

func (m *memStore) PutFile(ctx context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	return nil
}

func (m *memStore) saved(t *testing.T, key string) []string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var entities []common.Entity
	if err := json.Unmarshal(m.objects[key], &entities); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestSnapshot_QueryBuilds(t *testing.T) {
	store := &memStore{objects: map[string][]byte{
		"plain.json": []byte(`[{"id":"A","content":{}},{"id":"B","content":{}}]`),
		"resp.json":  []byte(`{"data":{"listEntitiesWithFilter":{"items":[{"id":"A"}]}}}`),
		"bad.json":   []byte(`{"foo":1}`),
	}}
	ctx := context.Background()

	got, err := NewSnapshot(store, "plain.json").QueryBuilds(ctx, []string{"B", "X", "A"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "B" || got[1].ID != "A" {
		t.Fatalf("expected entities in request order, got %+v", got)
	}

	if got, err := NewSnapshot(store, "resp.json").QueryBuilds(ctx, []string{"A"}); err != nil || len(got) != 1 {
		t.Fatalf("response shaped snapshot must load, got %v %v", got, err)
	}
	if _, err := NewSnapshot(store, "bad.json").QueryBuilds(ctx, []string{"A"}); err == nil {
		t.Fatal("expected error for snapshot without entity list")
	}
}

func TestRecorder_MergesIntoSnapshot(t *testing.T) {
	store := &memStore{objects: map[string][]byte{
		"snap.json": []byte(`[{"id":"A","content":{"v":1}}]`),
	}}
	live := &memStore{objects: map[string][]byte{
		"live.json": []byte(`[{"id":"A","content":{"v":2}},{"id":"B","content":{"v":1}}]`),
	}}
	rec := Recorder{Source: NewSnapshot(live, "live.json"), Snapshot: NewSnapshot(store, "snap.json")}

	if _, err := rec.QueryBuilds(context.Background(), []string{"A", "B"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var saved []common.Entity
	if err := json.Unmarshal(store.objects["snap.json"], &saved); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(saved) != 2 || saved[0].ID != "A" || string(saved[0].Content) != `{"v":2}` || saved[1].ID != "B" {
		t.Fatalf("unexpected snapshot %s", store.objects["snap.json"])
	}
}

func TestSnapshot_SaveStartsFreshOnlyWhenMissing(t *testing.T) {
	ctx := context.Background()
	store := &memStore{objects: map[string][]byte{}}
	snap := NewSnapshot(store, "snap.json")

	if err := snap.Save(ctx, []common.Entity{{ID: "BuildA"}, {ID: "BuildB"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids := store.saved(t, "snap.json"); !slices.Equal(ids, []string{"BuildA", "BuildB"}) {
		t.Fatalf("unexpected snapshot %v", ids)
	}

	store.getErr = errors.New("SlowDown: please reduce your request rate")
	if err := snap.Save(ctx, []common.Entity{{ID: "BuildC"}}); err == nil {
		t.Fatal("expected save to fail when the snapshot cannot be read")
	}
	store.getErr = nil
	if ids := store.saved(t, "snap.json"); !slices.Equal(ids, []string{"BuildA", "BuildB"}) {
		t.Fatalf("failed read must keep recorded entities, got %v", ids)
	}
}

func TestSnapshot_ConcurrentSavesKeepEveryEntity(t *testing.T) {
	ctx := context.Background()
	store := &memStore{objects: map[string][]byte{}}
	snap := NewSnapshot(store, "snap.json")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := snap.Save(ctx, []common.Entity{{ID: fmt.Sprintf("Build%02d", i)}}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ids := store.saved(t, "snap.json"); len(ids) != 20 {
		t.Fatalf("expected 20 recorded entities, got %d: %v", len(ids), ids)
	}
}
