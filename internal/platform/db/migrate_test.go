package db

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	src := fstest.MapFS{
		"002_tail_index.sql":  {Data: []byte("CREATE INDEX idx_tail ON acquisition_unit (tail_sent);")},
		"001_acquisition.sql": {Data: []byte("CREATE TABLE acquisition_unit (id UUID PRIMARY KEY);")},
		"README.md":           {Data: []byte("docs")},
		"notes_draft.sql":     {Data: []byte("SELECT 1;")},
		"embed.go":            {Data: []byte("package migrations")},
	}

	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_acquisition.sql" {
		t.Errorf("unexpected first migration %d %s", migrations[0].Version, migrations[0].Name)
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
	if len(migrations[0].Checksum) != 64 {
		t.Errorf("expected sha256 checksum, got %q", migrations[0].Checksum)
	}
	if !strings.HasPrefix(migrations[0].SQL, "CREATE TABLE") {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, src).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestBuildStatus(t *testing.T) {
	src := fstest.MapFS{
		"001_core.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"002_units.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"003_refs.sql":  {Data: []byte("CREATE TABLE c (id INT);")},
	}
	migrations, err := NewMigrator(nil, src).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	now := time.Now()
	applied := map[int]appliedMigration{
		1: {checksum: migrations[0].Checksum, appliedAt: now},
		2: {checksum: "stale", appliedAt: now},
	}
	statuses := buildStatus(migrations, applied)

	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].Drifted {
		t.Errorf("expected 001 applied without drift: %+v", statuses[0])
	}
	if !statuses[1].Drifted {
		t.Error("expected 002 to be reported as drifted")
	}
	if statuses[2].Applied || statuses[2].AppliedAt != nil {
		t.Errorf("expected 003 pending: %+v", statuses[2])
	}
}

func TestUp_InvalidSchema(t *testing.T) {
	if _, err := NewMigrator(nil, fstest.MapFS{}).Up(context.Background(), "bad-schema;"); err == nil {
		t.Fatal("expected error for invalid schema")
	}
}
