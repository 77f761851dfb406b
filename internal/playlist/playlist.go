// Package playlist loads playlist files (spec.md §6) and migrates them from
// the legacy v1 schema (song identified by a catalog URL) to v2 (song
// identified by a bare id), the same way the teacher's config loading reads
// a JSON file, applies defaults, and rewrites it on change.
package playlist

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/kallio-sound/gapstream/pkg/types"
)

// rawEntryV2 is the current on-disk schema.
type rawEntryV2 struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Artists  []string `json:"artists"`
	Duration int      `json:"duration"`
}

// rawEntryV1 is the legacy on-disk schema: songs identified by catalog URL
// and duration given as a free-form "H:M:S" or "M:S" string.
type rawEntryV1 struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Artists  []string `json:"artists"`
	Duration string   `json:"duration"`
}

// defaultDurationSeconds is used when a v1 duration string fails to parse.
const defaultDurationSeconds = 180

// Load reads a playlist file, migrating it in place if it is still on the v1
// schema, and returns the songs in file order (Song.Index set to position).
func Load(path string) ([]types.Song, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playlist: read %s: %w", path, err)
	}

	if isV2(data) {
		return decodeV2(data)
	}

	songs, v2Data, err := migrateV1(data)
	if err != nil {
		return nil, fmt.Errorf("playlist: migrate %s: %w", path, err)
	}

	if err := os.WriteFile(path+".bak", data, 0o644); err != nil {
		return nil, fmt.Errorf("playlist: write backup for %s: %w", path, err)
	}
	if err := os.WriteFile(path, v2Data, 0o644); err != nil {
		return nil, fmt.Errorf("playlist: write migrated %s: %w", path, err)
	}

	return songs, nil
}

// isV2 reports whether the raw JSON already uses the "id" field rather than
// "url" — a zero-length or malformed array is treated as v2 (decodeV2 will
// surface the real error).
func isV2(data []byte) bool {
	var probe []map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return true
	}
	for _, entry := range probe {
		if _, hasURL := entry["url"]; hasURL {
			return false
		}
	}
	return true
}

func decodeV2(data []byte) ([]types.Song, error) {
	var entries []rawEntryV2
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode v2 playlist: %w", err)
	}

	songs := make([]types.Song, len(entries))
	for i, e := range entries {
		songs[i] = types.Song{
			ID:              e.ID,
			Title:           e.Title,
			Artists:         e.Artists,
			DurationSeconds: e.Duration,
			Index:           i,
		}
	}
	return songs, nil
}

func migrateV1(data []byte) ([]types.Song, []byte, error) {
	var entries []rawEntryV1
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil, fmt.Errorf("decode v1 playlist: %w", err)
	}

	songs := make([]types.Song, len(entries))
	out := make([]rawEntryV2, len(entries))
	for i, e := range entries {
		id, err := idFromURL(e.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("entry %d: %w", i, err)
		}
		duration := parseDuration(e.Duration)

		songs[i] = types.Song{
			ID:              id,
			Title:           e.Title,
			Artists:         e.Artists,
			DurationSeconds: duration,
			Index:           i,
		}
		out[i] = rawEntryV2{
			ID:       id,
			Title:    e.Title,
			Artists:  e.Artists,
			Duration: duration,
		}
	}

	v2Data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode migrated playlist: %w", err)
	}
	return songs, v2Data, nil
}

// idFromURL extracts the "v" query parameter from a catalog URL, the v1
// schema's only way of identifying a song.
func idFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	id := u.Query().Get("v")
	if id == "" {
		return "", fmt.Errorf("url %q has no v= parameter", rawURL)
	}
	return id, nil
}

// parseDuration converts "H:M:S" or "M:S" to integer seconds, defaulting to
// defaultDurationSeconds on any parse failure.
func parseDuration(s string) int {
	parts := strings.Split(s, ":")
	var nums []int
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return defaultDurationSeconds
		}
		nums = append(nums, n)
	}

	switch len(nums) {
	case 2:
		return nums[0]*60 + nums[1]
	case 3:
		return nums[0]*3600 + nums[1]*60 + nums[2]
	default:
		return defaultDurationSeconds
	}
}
