package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"coalesce/internal/domain"
	"coalesce/internal/store"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "coalesce",
			"POSTGRES_PASSWORD": "coalesce",
			"POSTGRES_DB":       "coalesce",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://coalesce:coalesce@%s:%s/coalesce?sslmode=disable", host, port.Port())

	s, err := NewStore(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresRequestLifecycle(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	id, err := s.CreateNew(ctx, "u1", "pA")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateNew(ctx, "u1", "pB"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second create err = %v, want ErrConflict", err)
	}
	if joined, ok, err := s.JoinIfProcessing(ctx, "u1", "pB"); err != nil || !ok || joined != id {
		t.Fatalf("join: id=%q ok=%v err=%v", joined, ok, err)
	}

	if err := s.UpsertResult(ctx, "u1", "summary"); err != nil {
		t.Fatal(err)
	}
	first, ok, err := s.LookupCachedResult(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("cached result: ok=%v err=%v", ok, err)
	}
	if err := s.UpsertResult(ctx, "u1", "summary"); err != nil {
		t.Fatal(err)
	}
	again, _, err := s.LookupCachedResult(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("identical upsert rewrote row: %v -> %v", first.CreatedAt, again.CreatedAt)
	}

	parties, err := s.Resolve(ctx, id, domain.StateCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(parties) != 2 {
		t.Fatalf("fanout set = %v, want both parties", parties)
	}

	second, err := s.Resolve(ctx, id, domain.StateCompleted)
	if err != nil || len(second) != 0 {
		t.Fatalf("second resolve: parties=%v err=%v", second, err)
	}

	req, ok, err := s.LookupCompleted(ctx, "u1")
	if err != nil || !ok || req.State != domain.StateCompleted {
		t.Fatalf("lookup completed: %+v ok=%v err=%v", req, ok, err)
	}
}
