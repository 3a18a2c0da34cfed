package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"agenda/internal/config"
	"agenda/internal/model"
)

func TestParseFlags(t *testing.T) {
	got, err := parseFlags([]string{"--listen", ":9000", "--memory", "-c", "/tmp/a.yaml", "--log-level=debug"})
	if err != nil {
		t.Fatal(err)
	}
	want := flagConfig{configPath: "/tmp/a.yaml", listen: ":9000", logLevel: "debug", memory: true}
	if got != want {
		t.Errorf("parseFlags = %+v, want %+v", got, want)
	}

	if _, err := parseFlags([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("--help = %v", err)
	}
	if _, err := parseFlags([]string{"extra"}); err == nil {
		t.Error("positional argument accepted")
	}
}

func TestFeedSources(t *testing.T) {
	got := feedSources([]config.FeedConfig{
		{URL: "https://a.example/x.ics", ID: "dept"},
		{URL: "https://b.example/y.ics", Name: "Exams"},
		{URL: "https://c.example/z.ics"},
		{ID: "no-url"},
	})
	if len(got) != 3 {
		t.Fatalf("sources = %+v", got)
	}
	for i, want := range []string{"dept", "Exams", "https://c.example/z.ics"} {
		if got[i].ID != want {
			t.Errorf("source %d id = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestNewProviderEndOverride(t *testing.T) {
	conf := config.DefaultConfig()
	conf.ScheduleEndDate = "2025-12-20"
	p, err := newProvider(conf, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.EndDate().Format(model.DateLayout); got != "2025-12-20" {
		t.Errorf("end = %s", got)
	}

	conf.ScheduleEndDate = "soon"
	if _, err := newProvider(conf, time.UTC); err == nil {
		t.Error("bad end date accepted")
	}
}

func TestOpenStores(t *testing.T) {
	for _, memory := range []bool{true, false} {
		conf := config.DefaultConfig()
		conf.DataDir = filepath.Join(t.TempDir(), "data")

		kvStore, events, closeAll, err := openStores(conf, memory)
		if err != nil {
			t.Fatalf("memory=%v: %v", memory, err)
		}
		if err := kvStore.Set("k", "v"); err != nil {
			t.Errorf("memory=%v: kv set: %v", memory, err)
		}
		id, err := events.Create(context.Background(), model.NewEvent{
			Type: model.Deadline, Date: time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC), Time: "10:00",
		})
		if err != nil || id == "" {
			t.Errorf("memory=%v: create = %q, %v", memory, id, err)
		}
		closeAll()
	}
}
