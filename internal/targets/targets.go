// Package targets turns user-supplied locators into batch targets.
package targets

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
)

// ErrInvalidLocator is returned when a locator cannot be mapped to a target.
var ErrInvalidLocator = errors.New("invalid locator")

const instagramBase = "https://www.instagram.com/"

var (
	shortcodePattern = regexp.MustCompile(`instagram\.com/(?:p|reel)/([A-Za-z0-9_-]+)`)
	handlePattern    = regexp.MustCompile(`^[A-Za-z0-9._]{1,30}$`)
)

// First path segments that are never a profile.
var reservedSegments = map[string]struct{}{
	"p": {}, "reel": {}, "reels": {}, "stories": {}, "explore": {},
	"accounts": {}, "direct": {}, "tv": {},
}

// Parse maps one locator to a target. Accepted forms: post and reel URLs,
// story and reel-tab URLs, profile URLs, "@handle" or a bare handle. Any
// other http(s) URL becomes a single-post target keyed by the URL.
func Parse(raw string) (batch.Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return batch.Target{}, fmt.Errorf("%w: empty", ErrInvalidLocator)
	}

	if m := shortcodePattern.FindStringSubmatch(raw); m != nil {
		return batch.NewTarget(batch.KindSinglePost, m[1], instagramBase+"p/"+m[1]+"/")
	}

	if strings.HasPrefix(raw, "@") {
		return handleTarget(strings.TrimPrefix(raw, "@"), raw)
	}

	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(lower, "instagram.com/") {
			return Parse("https://" + raw)
		}
		return handleTarget(raw, raw)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return batch.Target{}, fmt.Errorf("%w: %q", ErrInvalidLocator, raw)
	}
	if !isInstagramHost(u.Hostname()) {
		return batch.NewTarget(batch.KindSinglePost, u.String(), u.String())
	}
	return parseInstagramPath(u, raw)
}

func parseInstagramPath(u *url.URL, raw string) (batch.Target, error) {
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	switch {
	case len(segments) >= 2 && segments[0] == "stories":
		user := segments[1]
		if !handlePattern.MatchString(user) {
			return batch.Target{}, fmt.Errorf("%w: story user in %q", ErrInvalidLocator, raw)
		}
		return batch.NewTarget(batch.KindStorySet, user, instagramBase+"stories/"+user+"/")
	case len(segments) == 2 && segments[1] == "reels":
		user := segments[0]
		if !isProfileSegment(user) {
			return batch.Target{}, fmt.Errorf("%w: %q", ErrInvalidLocator, raw)
		}
		return batch.NewTarget(batch.KindReelSet, user, instagramBase+user+"/reels/")
	case len(segments) == 1:
		return handleTarget(segments[0], raw)
	}
	return batch.Target{}, fmt.Errorf("%w: unsupported instagram path %q", ErrInvalidLocator, raw)
}

func handleTarget(handle, raw string) (batch.Target, error) {
	if !isProfileSegment(handle) {
		return batch.Target{}, fmt.Errorf("%w: %q is not a handle", ErrInvalidLocator, raw)
	}
	return batch.NewTarget(batch.KindUserTimeline, handle, instagramBase+handle+"/")
}

func isProfileSegment(s string) bool {
	if _, reserved := reservedSegments[strings.ToLower(s)]; reserved {
		return false
	}
	return handlePattern.MatchString(s)
}

func isInstagramHost(host string) bool {
	host = strings.ToLower(host)
	return host == "instagram.com" || strings.HasSuffix(host, ".instagram.com")
}

// ParseAll parses every locator, dropping duplicates by key. It stops at the
// first invalid locator.
func ParseAll(raws []string) ([]batch.Target, error) {
	out := make([]batch.Target, 0, len(raws))
	seen := batch.NewKeySet()
	for _, raw := range raws {
		tgt, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if seen.Has(tgt.Key) {
			continue
		}
		seen.Add(tgt.Key)
		out = append(out, tgt)
	}
	return out, nil
}

// Expansion selects the extra targets derived from each user timeline.
type Expansion struct {
	Stories bool
	Reels   bool
}

// Expand inserts the story-set and reel-set targets of every user-timeline
// target ahead of it, in the order stories, reels, posts. Other targets pass
// through unchanged and keys stay unique.
func Expand(tgts []batch.Target, with Expansion) ([]batch.Target, error) {
	if !with.Stories && !with.Reels {
		return tgts, nil
	}
	out := make([]batch.Target, 0, len(tgts))
	seen := batch.NewKeySet()
	push := func(t batch.Target) {
		if seen.Has(t.Key) {
			return
		}
		seen.Add(t.Key)
		out = append(out, t)
	}
	for _, t := range tgts {
		if t.Kind != batch.KindUserTimeline {
			push(t)
			continue
		}
		if with.Stories {
			story, err := batch.NewTarget(batch.KindStorySet, t.ID, instagramBase+"stories/"+t.ID+"/")
			if err != nil {
				return nil, err
			}
			push(story)
		}
		if with.Reels {
			reels, err := batch.NewTarget(batch.KindReelSet, t.ID, instagramBase+t.ID+"/reels/")
			if err != nil {
				return nil, err
			}
			push(reels)
		}
		push(t)
	}
	return out, nil
}

// Entry is one item of a target list file. It accepts either a bare string
// or a mapping with url and description.
type Entry struct {
	URL         string `yaml:"url"`
	Description string `yaml:"description,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.ShortTag() != "!!str" {
			return fmt.Errorf("entry at line %d is not a string", node.Line)
		}
		e.URL = node.Value
		return nil
	}
	type plain Entry
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	*e = Entry(p)
	return nil
}

// LoadFile reads a YAML target list. Entries that are neither strings nor
// url mappings, or whose locator does not parse, are skipped with a warning.
func LoadFile(path string, logger *zap.Logger) ([]batch.Target, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read target file: %w", err)
	}
	return Decode(data, logger)
}

// Decode parses a target list document.
func Decode(data []byte, logger *zap.Logger) ([]batch.Target, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var doc struct {
		URLs *[]yaml.Node `yaml:"urls"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse target file: %w", err)
	}
	if doc.URLs == nil {
		return nil, errors.New("target file has no 'urls' field")
	}

	out := make([]batch.Target, 0, len(*doc.URLs))
	seen := batch.NewKeySet()
	for i := range *doc.URLs {
		node := &(*doc.URLs)[i]
		var entry Entry
		if err := node.Decode(&entry); err != nil || strings.TrimSpace(entry.URL) == "" {
			logger.Warn("skipping invalid target entry", zap.Int("line", node.Line))
			continue
		}
		tgt, err := Parse(entry.URL)
		if err != nil {
			logger.Warn("skipping invalid locator", zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		if seen.Has(tgt.Key) {
			continue
		}
		seen.Add(tgt.Key)
		out = append(out, tgt)
	}
	return out, nil
}
