package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each section name to the keys valid inside it.
var knownKeys = map[string][]string{
	"server":   {"listen_addr", "app_url", "read_header_timeout", "shutdown_timeout", "max_upload_memory"},
	"database": {"driver", "dsn"},
	"google": {
		"client_id", "client_secret", "redirect_uri", "api_base_url",
		"upload_base_url", "userinfo_url", "root_folder_name",
	},
	"limits":  {"max_file_size", "max_workspace_size", "max_user_storage"},
	"reaper":  {"interval", "reconcile_interval", "concurrency", "cleanup_secret"},
	"auth":    {"jwt_secret", "jwt_issuer", "state_ttl"},
	"logging": {"log_level", "log_format"},
	"network": {"connect_timeout", "data_timeout", "user_agent"},
}

// knownSections is the sorted list of section names. Sorted so ties in
// edit distance give deterministic suggestions.
var knownSections = func() []string {
	s := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		s = append(s, k)
	}

	sort.Strings(s)

	return s
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each one.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	// An unknown table is reported once for the table and once per key in
	// it; collapse those into one message.
	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section := key[0]

	candidates, ok := knownKeys[section]
	if !ok || len(key) == 1 {
		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown top-level key %q: did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown top-level key %q", section)
	}

	field := key[1]

	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	if s := closestMatch(field, sorted); s != "" {
		return fmt.Errorf("unknown config key %q in [%s]: did you mean %q?", field, section, s)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings using two
// rolling rows.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
