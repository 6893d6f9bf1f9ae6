// Package fixture serves mail threads, related mail, calendar availability
// and knowledge answers from a YAML file, for local runs of the CLI.
package fixture

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/darkostanimirovic/draftkit"
)

const dayLayout = "2006-01-02"

// File is the on-disk fixture layout.
type File struct {
	Threads   map[string]draftkit.ThreadData `yaml:"threads"`
	Mail      []draftkit.ThreadMessage       `yaml:"mail"`
	Calendar  Calendar                       `yaml:"calendar"`
	Knowledge map[string]string              `yaml:"knowledge"`
}

// Calendar holds availability text per day (YYYY-MM-DD). Default answers
// for days without an entry.
type Calendar struct {
	Default string            `yaml:"default"`
	Days    map[string]string `yaml:"days"`
}

// Load reads a fixture file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes fixture YAML. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	for day := range f.Calendar.Days {
		if _, err := time.Parse(dayLayout, day); err != nil {
			return nil, fmt.Errorf("parsing fixture: calendar day %q: %w", day, err)
		}
	}
	return &f, nil
}

// Apply installs the fixture collaborators on cfg. Sections that are empty
// leave the corresponding capability unregistered.
func (f *File) Apply(cfg *draftkit.Config) {
	cfg.Threads = draftkit.StaticThreads(f.Threads)
	if len(f.Mail) > 0 {
		cfg.Search = draftkit.StaticMailbox(f.Mail)
	}
	if f.Calendar.Default != "" || len(f.Calendar.Days) > 0 {
		cfg.Calendar = draftkit.CalendarFunc(f.Calendar.Availability)
	}
	if len(f.Knowledge) > 0 {
		cfg.Knowledge = draftkit.KnowledgeFunc(f.Lookup)
	}
}

// Availability lists the entry of every day the window touches.
func (c Calendar) Availability(ctx context.Context, _ string, window draftkit.TimeWindow) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	start := window.Start.UTC().Truncate(24 * time.Hour)
	end := window.End.UTC()

	var lines []string
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		key := day.Format(dayLayout)
		text, ok := c.Days[key]
		if !ok {
			text = c.Default
		}
		if text == "" {
			continue
		}
		lines = append(lines, key+": "+text)
	}
	if len(lines) == 0 {
		return "No calendar entries in the requested window.", nil
	}
	return strings.Join(lines, "\n"), nil
}

// Lookup answers with every knowledge entry whose key appears in query.
func (f *File) Lookup(ctx context.Context, _ string, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q := strings.ToLower(query)
	keys := make([]string, 0, len(f.Knowledge))
	for key := range f.Knowledge {
		if strings.Contains(q, strings.ToLower(key)) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return fmt.Sprintf("No knowledge base entry for %q.", query), nil
	}
	sort.Strings(keys)

	answers := make([]string, len(keys))
	for i, key := range keys {
		answers[i] = f.Knowledge[key]
	}
	return strings.Join(answers, "\n"), nil
}
