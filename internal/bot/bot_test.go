package bot

import (
	"path/filepath"
	"testing"

	"github.com/guildgraph/guildgraph/internal/models"
)

func TestOpenStoreDefaultsToInMemory(t *testing.T) {
	st, err := openStore(Opts{})
	if err != nil {
		t.Fatalf("openStore with empty config failed: %v", err)
	}
	defer st.Close()
	if n, err := st.CountRecords(models.LabelGame); err != nil || n != 0 {
		t.Errorf("expected empty in-memory store, got n=%d err=%v", n, err)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := openStore(Opts{DBDriver: "oracle", DBDSN: "whatever"}); err == nil {
		t.Error("expected an error for an unknown driver")
	}
}

func TestOpenStoreSelectsSQLiteForFilePaths(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "bot.db")
	st, err := openStore(Opts{DBDSN: dsn})
	if err != nil {
		t.Fatalf("openStore with file DSN failed: %v", err)
	}
	defer st.Close()
}

func TestCommandSpecsCoverRegisteredCommands(t *testing.T) {
	specs := commandSpecs()
	want := map[string]bool{"game": false, "describe": false, "perm": false}
	for _, spec := range specs {
		if _, ok := want[spec.Name]; ok {
			want[spec.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing command spec %q", name)
		}
	}
}

func TestIsPostgresDSN(t *testing.T) {
	if !isPostgresDSN("postgres://user:pw@localhost/db") {
		t.Error("URL-style DSN must be detected as postgres")
	}
	if !isPostgresDSN("host=localhost dbname=gg") {
		t.Error("keyword-style DSN must be detected as postgres")
	}
	if isPostgresDSN("/var/lib/guildgraph/guildgraph.db") {
		t.Error("file path must not be detected as postgres")
	}
}
