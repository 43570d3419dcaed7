package model

import (
	"testing"
	"time"
)

func TestTrackIDFromPathDeterministic(t *testing.T) {
	a := TrackIDFromPath("Library/Artist - Song.flac")
	b := TrackIDFromPath("Library/Artist - Song.flac")
	if a != b {
		t.Fatalf("same path produced different IDs: %s vs %s", a, b)
	}
	if a == TrackIDFromPath("Library/Artist - Other.flac") {
		t.Fatal("different paths must produce different IDs")
	}
}

func TestTrackFromObjectPath(t *testing.T) {
	tests := []struct {
		path       string
		wantArtist string
		wantTitle  string
	}{
		{"Library/Vulfpeck - Dean Town.flac", "Vulfpeck", "Dean Town"},
		{"Library/Dean Town.mp3", "", "Dean Town"},
		{"Khruangbin - A - B.flac", "Khruangbin", "A - B"},
	}

	for _, tt := range tests {
		track := TrackFromObjectPath(tt.path)
		if track.Artist != tt.wantArtist || track.Title != tt.wantTitle {
			t.Errorf("TrackFromObjectPath(%q) = artist %q title %q, want %q / %q",
				tt.path, track.Artist, track.Title, tt.wantArtist, tt.wantTitle)
		}
		if track.Path != tt.path {
			t.Errorf("TrackFromObjectPath(%q): path = %q", tt.path, track.Path)
		}
		if track.ID == "" {
			t.Errorf("TrackFromObjectPath(%q): empty ID", tt.path)
		}
	}
}

func TestStreamURLCacheEntryExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		entry StreamURLCacheEntry
		want  bool
	}{
		{"persistent never expires", StreamURLCacheEntry{Persistent: true}, false},
		{"nil expiry treated as expired", StreamURLCacheEntry{}, true},
		{"future expiry alive", StreamURLCacheEntry{ExpiresAt: &future}, false},
		{"past expiry expired", StreamURLCacheEntry{ExpiresAt: &past}, true},
		{"boundary is exclusive", StreamURLCacheEntry{ExpiresAt: &now}, true},
	}

	for _, tt := range tests {
		if got := tt.entry.Expired(now); got != tt.want {
			t.Errorf("%s: Expired = %v, want %v", tt.name, got, tt.want)
		}
	}
}
