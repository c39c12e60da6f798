package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "chisel" {
		t.Errorf("expected Use 'chisel', got %q", rootCmd.Use)
	}
	if rootCmd.Version != Version {
		t.Errorf("version: %q", rootCmd.Version)
	}
	for _, name := range []string{"apply", "hashline", "select", "log"} {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestApplyCommandFlags(t *testing.T) {
	for _, flag := range []string{"json", "dry-run", "repair", "diff"} {
		if applyCmd.Flags().Lookup(flag) == nil {
			t.Errorf("apply missing --%s", flag)
		}
	}
	if applyCmd.RunE == nil {
		t.Error("apply has no RunE")
	}
}

func TestLogHasShowSubcommand(t *testing.T) {
	if !logCmd.HasSubCommands() {
		t.Fatal("log should have subcommands")
	}
	found := false
	for _, c := range logCmd.Commands() {
		if c.Name() == "show" {
			found = true
		}
	}
	if !found {
		t.Error("log missing show subcommand")
	}
}

func TestReadPayloadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cs.json")
	if err := os.WriteFile(path, []byte(`{"file":"a.py"}`), 0644); err != nil {
		t.Fatal(err)
	}
	data, err := readPayload(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"file":"a.py"}` {
		t.Errorf("got %q", data)
	}
	if _, err := readPayload(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
