package postgres

import (
	"slices"
	"testing"
)

func TestMigrationFilesSorted(t *testing.T) {
	files, err := migrationFiles()
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	want := []string{"001_create_jobs.sql", "002_create_instances.sql"}
	if !slices.Equal(files, want) {
		t.Errorf("got %v, want %v", files, want)
	}
}
