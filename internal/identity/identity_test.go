package identity

import (
	"path/filepath"
	"testing"
)

func TestKeyPersistsAcrossLoads(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")

	first, err := Load(keyFile, "ada", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := Load(keyFile, "ada", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.UserID() != second.UserID() {
		t.Fatalf("user id changed across loads: %s vs %s", first.UserID(), second.UserID())
	}
}

func TestSetProfile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")
	id, err := Load(keyFile, "ada", "")
	if err != nil {
		t.Fatal(err)
	}
	id.SetProfile("ada lovelace", "https://a/1.png")
	if id.DisplayName() != "ada lovelace" || id.AvatarURL() != "https://a/1.png" {
		t.Fatalf("profile not updated: %q %q", id.DisplayName(), id.AvatarURL())
	}
}
